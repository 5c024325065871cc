package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
servers:
  - host: a.example
    proxy_pass: http://127.0.0.1:8000
  - host: b.example
    proxy_pass: https://10.0.0.2:8443/
fallback_upstream: http://127.0.0.1:9999/
ssh:
  address: bastion.example:22
  user: deploy
  private_key_file: /home/deploy/.ssh/id_ed25519
  passphrase_env: BURROW_TEST_PASSPHRASE
  remote_port: 0
redis:
  addr: 127.0.0.1:6379
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	routes := f.Routes()
	if len(routes) != 2 || routes["a.example"] != "http://127.0.0.1:8000" {
		t.Errorf("routes = %v", routes)
	}
	if f.FallbackUpstream != "http://127.0.0.1:9999/" {
		t.Errorf("fallback = %q", f.FallbackUpstream)
	}
	if f.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Errorf("max body default not applied: %d", f.MaxBodyBytes)
	}
	if f.SSH.User != "deploy" || f.SSH.RemotePort != 0 || f.SSH.BindHost != "127.0.0.1" || f.SSH.Backlog != 64 {
		t.Errorf("ssh = %+v", f.SSH)
	}
	if f.Redis.Addr != "127.0.0.1:6379" {
		t.Errorf("redis = %+v", f.Redis)
	}
	if err := f.ValidateServer(); err != nil {
		t.Errorf("ValidateServer: %v", err)
	}
	if err := f.ValidateClient(); err != nil {
		t.Errorf("ValidateClient: %v", err)
	}
}

func TestParseDefaultsOnEmpty(t *testing.T) {
	f, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.FallbackUpstream != DefaultFallbackUpstream {
		t.Errorf("fallback = %q", f.FallbackUpstream)
	}
	if len(f.Routes()) != 0 {
		t.Errorf("expected no routes, got %v", f.Routes())
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("servers: []\nlisten: 80\n")); err == nil {
		t.Error("expected unknown key to be rejected")
	}
}

func TestValidate(t *testing.T) {
	f, _ := Parse([]byte("servers:\n  - host: a.example\nmax_body_bytes: -1\n"))
	err := f.ValidateServer()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"servers[0].proxy_pass", "max_body_bytes"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	client, _ := Parse([]byte("ssh:\n  remote_port: 70000\n"))
	err = client.ValidateClient()
	if err == nil {
		t.Fatal("expected client validation errors")
	}
	for _, want := range []string{"ssh.address", "private_key_file", "remote_port"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestSecretsFromEnv(t *testing.T) {
	t.Setenv("BURROW_TEST_PASSPHRASE", "hunter2")
	t.Setenv("BURROW_TEST_PASSWORD", "secret")
	s := SSHSetting{PassphraseEnv: "BURROW_TEST_PASSPHRASE", PasswordEnv: "BURROW_TEST_PASSWORD"}
	if p, ok := s.Passphrase(); !ok || string(p) != "hunter2" {
		t.Errorf("Passphrase = %q, %v", p, ok)
	}
	if s.Password() != "secret" {
		t.Errorf("Password = %q", s.Password())
	}
	if _, ok := (SSHSetting{PassphraseEnv: "BURROW_TEST_UNSET_VAR"}).Passphrase(); ok {
		t.Error("unset variable reported as set")
	}
}

func TestLoadRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	os.WriteFile(path, []byte(sample), 0o600)
	routes, err := LoadRoutes(path)
	if err != nil || routes["b.example"] != "https://10.0.0.2:8443/" {
		t.Errorf("LoadRoutes = %v, %v", routes, err)
	}
	os.WriteFile(path, []byte("servers:\n  - host: x\n"), 0o600)
	if _, err := LoadRoutes(path); err == nil {
		t.Error("expected invalid routes to fail")
	}
}
