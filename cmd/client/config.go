package main

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

// Config holds client runtime configuration. The SSH target, identity and
// forward come from the YAML file.
type Config struct {
	ConfigPath  string
	MetricsAddr string
	Debug       bool

	// ConnRate caps forwarded connections per second; 0 disables it.
	ConnRate  int
	ConnBurst int

	DialTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	// Once disables reconnecting after the session ends.
	Once bool
	// GracePeriod waits for active forwards to drain after shutdown (0 = immediate).
	GracePeriod time.Duration
}

// parseConfig registers the client flags on a fresh set and parses args.
func parseConfig(args []string) (Config, error) {
	var c Config
	fs := pflag.NewFlagSet("burrow-client", pflag.ContinueOnError)
	fs.StringVarP(&c.ConfigPath, "config", "c", "burrow.yaml", "path to the YAML config file")
	fs.StringVar(&c.MetricsAddr, "metrics", "", "metrics and health listen address (empty = disabled)")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
	fs.IntVar(&c.ConnRate, "conn-rate", 0, "forwarded connections per second (0 = unlimited)")
	fs.IntVar(&c.ConnBurst, "conn-burst", 50, "burst size for --conn-rate")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", 5*time.Second, "timeout for dialing the local address")
	fs.DurationVar(&c.MinBackoff, "min-backoff", time.Second, "first reconnect delay")
	fs.DurationVar(&c.MaxBackoff, "max-backoff", time.Minute, "largest reconnect delay")
	fs.BoolVar(&c.Once, "once", false, "exit when the session ends instead of reconnecting")
	fs.DurationVar(&c.GracePeriod, "grace-period", 0, "time to wait for active forwards to drain after shutdown")
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		return c, errors.New("--min-backoff must be positive and not exceed --max-backoff")
	}
	if c.ConnRate < 0 {
		return c, errors.New("--conn-rate must not be negative")
	}
	return c, nil
}
