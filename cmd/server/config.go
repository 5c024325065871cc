package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Config holds all runtime configuration derived from flags. Routes and
// upstreams live in the YAML file named by ConfigPath.
type Config struct {
	ConfigPath  string
	ListenAddr  string
	Port        int
	MetricsAddr string
	Debug       bool
	WatchConfig bool

	// TLS termination on the public listener; TLSCAFile enables mTLS.
	EnableTLS   bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string

	// RateLimit is requests per second per client IP; 0 disables it.
	RateLimit     int
	RateBurst     int
	SweepInterval time.Duration

	ShutdownTimeout time.Duration
}

// parseConfig registers the server flags on a fresh set and parses args.
func parseConfig(args []string) (Config, error) {
	var c Config
	fs := pflag.NewFlagSet("burrow-server", pflag.ContinueOnError)
	fs.StringVarP(&c.ConfigPath, "config", "c", "burrow.yaml", "path to the YAML config file")
	fs.StringVar(&c.ListenAddr, "listen", ":8443", "public listener address")
	fs.IntVarP(&c.Port, "port", "p", 0, "public listener port on all interfaces (overrides --listen)")
	fs.StringVar(&c.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
	fs.BoolVar(&c.WatchConfig, "watch-config", false, "reload routes when the config file changes")
	fs.BoolVar(&c.EnableTLS, "tls", false, "terminate TLS on the public listener")
	fs.StringVar(&c.TLSCertFile, "tls-cert", "", "TLS certificate chain (PEM)")
	fs.StringVar(&c.TLSKeyFile, "tls-key", "", "TLS private key (PEM)")
	fs.StringVar(&c.TLSCAFile, "tls-ca", "", "CA for client certificate verification (enables mTLS)")
	fs.IntVar(&c.RateLimit, "rate-limit", 0, "requests per second per client IP (0 = unlimited)")
	fs.IntVar(&c.RateBurst, "rate-burst", 20, "burst size per client IP")
	fs.DurationVar(&c.SweepInterval, "rate-sweep", time.Minute, "interval for dropping idle rate limit buckets and expired route cache entries")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "time to drain in-flight requests on shutdown")
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	if fs.Changed("port") {
		if c.Port <= 0 || c.Port > 65535 {
			return c, fmt.Errorf("--port %d out of range", c.Port)
		}
		c.ListenAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.EnableTLS && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return c, errors.New("--tls requires --tls-cert and --tls-key")
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return c, errors.New("--rate-limit and --rate-burst must not be negative")
	}
	return c, nil
}
