package main

import (
	"testing"
	"time"
)

func TestParseConfig(t *testing.T) {
	c, err := parseConfig([]string{"-c", "tunnel.yaml", "--max-backoff", "30s", "--conn-rate", "10"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.ConfigPath != "tunnel.yaml" || c.MaxBackoff != 30*time.Second || c.ConnRate != 10 {
		t.Errorf("unexpected config: %+v", c)
	}
	if c.MinBackoff != time.Second || c.MetricsAddr != "" {
		t.Errorf("defaults: %+v", c)
	}
}

func TestParseConfigRejects(t *testing.T) {
	cases := [][]string{
		{"--min-backoff", "0s"},
		{"--min-backoff", "2m", "--max-backoff", "1m"},
		{"--conn-rate", "-5"},
	}
	for _, args := range cases {
		if _, err := parseConfig(args); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}
