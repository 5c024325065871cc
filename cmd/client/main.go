package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/matst80/burrow/internal/config"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/ratelimit"
	"github.com/matst80/burrow/internal/sshtun"
	"github.com/matst80/burrow/internal/tunnel"
)

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := run(cfg); err != nil {
		obs.Error("client.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(cfg Config) error {
	file, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	if err := file.ValidateClient(); err != nil {
		return fmt.Errorf("config %s: %w", cfg.ConfigPath, err)
	}
	ssh := file.SSH

	identity, err := loadIdentity(ssh)
	if err != nil {
		return err
	}
	hostKeys, err := sshtun.HostKeyCallback(ssh.KnownHostsFile)
	if err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if cfg.ConnRate > 0 {
		limiter = ratelimit.NewLimiter(0, cfg.ConnRate, cfg.ConnBurst)
	}
	orch := tunnel.New(tunnel.Config{
		Address:         ssh.Address,
		User:            ssh.User,
		Identity:        identity,
		HostKeyCallback: hostKeys,
		RemotePort:      ssh.RemotePort,
		BindHost:        ssh.BindHost,
		Backlog:         ssh.Backlog,
		LocalAddress:    ssh.LocalAddress,
		DialTimeout:     cfg.DialTimeout,
		Limiter:         limiter,
	})

	sup := &supervisor{
		backoff: &backoff.Backoff{Min: cfg.MinBackoff, Max: cfg.MaxBackoff, Factor: 2, Jitter: true},
		once:    cfg.Once,
		sleep:   sleepCtx,
	}
	var up atomic.Bool
	orch.OnListen = func(int) {
		sup.established.Store(true)
		up.Store(true)
	}
	sup.run = func(ctx context.Context) error {
		defer up.Store(false)
		return orch.Run(ctx)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, &up)
		defer srv.Close()
	}

	obs.Info("client.start", obs.Fields{
		"ssh":    ssh.Address,
		"user":   ssh.User,
		"remote": ssh.RemotePort,
		"local":  ssh.LocalAddress,
	})
	err = sup.loop(ctx)

	if cfg.GracePeriod > 0 {
		done := make(chan struct{})
		go func() { orch.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(cfg.GracePeriod):
			obs.Info("client.grace_expired", obs.Fields{"grace": cfg.GracePeriod.String()})
		}
	}
	obs.Info("client.stopped", obs.Fields{})
	return err
}

// loadIdentity builds the login identity: the private key when configured,
// plus the password from its environment variable.
func loadIdentity(s config.SSHSetting) (sshtun.Identity, error) {
	var id sshtun.Identity
	if s.PrivateKeyFile != "" {
		loaded, err := sshtun.LoadIdentity(s.PrivateKeyFile, passphraseFor(s))
		if err != nil {
			return id, err
		}
		id = loaded
	}
	id.Password = s.Password()
	return id, nil
}

// passphraseFor reads the key passphrase from the configured environment
// variable, or prompts for it when stdin is a terminal.
func passphraseFor(s config.SSHSetting) sshtun.PassphraseFunc {
	return func() ([]byte, error) {
		if p, ok := s.Passphrase(); ok {
			return p, nil
		}
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, errors.New("key is encrypted: set ssh.passphrase_env or run interactively")
		}
		fmt.Fprintf(os.Stderr, "Passphrase for %s: ", s.PrivateKeyFile)
		p, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return p, err
	}
}

func startMetricsServer(addr string, up *atomic.Bool) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("metrics.server", obs.Fields{"err": err.Error(), "addr": addr})
		}
	}()
	return srv
}
