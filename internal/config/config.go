// Package config loads the YAML file shared by the server and client binaries.
//
// The file is the single source of truth for routes and the SSH target.
// Secrets (key passphrase, password) are never stored in it; the file names
// environment variables that hold them instead.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultFallbackUpstream receives requests whose Host is not mapped.
const DefaultFallbackUpstream = "http://127.0.0.1:8000/"

// DefaultMaxBodyBytes bounds buffered request bodies (10 MiB).
const DefaultMaxBodyBytes int64 = 10 << 20

// File is the on-disk configuration.
type File struct {
	// Servers maps inbound Host values to upstream base URIs.
	Servers []ServerSetting `yaml:"servers"`

	// FallbackUpstream is used for hosts not listed in Servers.
	FallbackUpstream string `yaml:"fallback_upstream"`

	// MaxBodyBytes caps the buffered request body; larger bodies get 413.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	SSH   SSHSetting   `yaml:"ssh"`
	Redis RedisSetting `yaml:"redis"`
}

// ServerSetting is one host → upstream route.
type ServerSetting struct {
	Host      string `yaml:"host"`
	ProxyPass string `yaml:"proxy_pass"`
}

// SSHSetting describes the tunnel client's target and forward.
type SSHSetting struct {
	Address        string `yaml:"address"`
	User           string `yaml:"user"`
	PrivateKeyFile string `yaml:"private_key_file"`
	// PassphraseEnv names the variable holding the key passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`
	// PasswordEnv names the variable holding a login password.
	PasswordEnv    string `yaml:"password_env"`
	KnownHostsFile string `yaml:"known_hosts_file"`
	RemotePort     int    `yaml:"remote_port"`
	BindHost       string `yaml:"bind_host"`
	Backlog        int    `yaml:"backlog"`
	LocalAddress   string `yaml:"local_address"`
}

// RedisSetting enables the shared route store when Addr is set.
type RedisSetting struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	HashKey  string `yaml:"hash_key"`
}

// Default returns a File with every optional field filled in.
func Default() *File {
	return &File{
		FallbackUpstream: DefaultFallbackUpstream,
		MaxBodyBytes:     DefaultMaxBodyBytes,
		SSH: SSHSetting{
			User:         "ubuntu",
			RemotePort:   8080,
			BindHost:     "127.0.0.1",
			Backlog:      64,
			LocalAddress: "127.0.0.1:8000",
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys are an error.
func Parse(data []byte) (*File, error) {
	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: %w", err)
	}
	return f, nil
}

// Routes returns the host → upstream map. Later entries win on duplicates.
func (f *File) Routes() map[string]string {
	out := make(map[string]string, len(f.Servers))
	for _, s := range f.Servers {
		out[s.Host] = s.ProxyPass
	}
	return out
}

// ValidateServer checks the fields the proxy needs.
func (f *File) ValidateServer() error {
	var errs []error
	for i, s := range f.Servers {
		if s.Host == "" {
			errs = append(errs, fmt.Errorf("servers[%d].host is required", i))
		}
		if s.ProxyPass == "" {
			errs = append(errs, fmt.Errorf("servers[%d].proxy_pass is required", i))
		}
	}
	if f.FallbackUpstream == "" {
		errs = append(errs, errors.New("fallback_upstream is required"))
	}
	if f.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateClient checks the fields the tunnel needs.
func (f *File) ValidateClient() error {
	var errs []error
	if f.SSH.Address == "" {
		errs = append(errs, errors.New("ssh.address is required"))
	}
	if f.SSH.User == "" {
		errs = append(errs, errors.New("ssh.user is required"))
	}
	if f.SSH.PrivateKeyFile == "" && f.SSH.PasswordEnv == "" {
		errs = append(errs, errors.New("ssh.private_key_file or ssh.password_env is required"))
	}
	if f.SSH.RemotePort < 0 || f.SSH.RemotePort > 65535 {
		errs = append(errs, fmt.Errorf("ssh.remote_port %d out of range", f.SSH.RemotePort))
	}
	if f.SSH.LocalAddress == "" {
		errs = append(errs, errors.New("ssh.local_address is required"))
	}
	return errors.Join(errs...)
}

// LoadRoutes reads only the route map from path. It matches routes.LoadFunc
// for hot reload.
func LoadRoutes(path string) (map[string]string, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := f.ValidateServer(); err != nil {
		return nil, err
	}
	return f.Routes(), nil
}

// Password returns the login password from PasswordEnv, or "".
func (s SSHSetting) Password() string {
	if s.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(s.PasswordEnv)
}

// Passphrase returns the key passphrase from PassphraseEnv and whether it was set.
func (s SSHSetting) Passphrase() ([]byte, bool) {
	if s.PassphraseEnv == "" {
		return nil, false
	}
	v, ok := os.LookupEnv(s.PassphraseEnv)
	return []byte(v), ok
}
