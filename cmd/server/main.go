package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/burrow/internal/config"
	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proxy"
	"github.com/matst80/burrow/internal/ratelimit"
	"github.com/matst80/burrow/internal/routes"
	"github.com/matst80/burrow/internal/tlsstream"
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
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(cfg Config) error {
	file, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	if err := file.ValidateServer(); err != nil {
		return fmt.Errorf("config %s: %w", cfg.ConfigPath, err)
	}
	obs.Info("server.start", obs.Fields{"listen": cfg.ListenAddr, "tls": cfg.EnableTLS, "metrics": cfg.MetricsAddr, "routes": len(file.Servers)})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	table, err := routes.NewTable(file.Routes())
	if err != nil {
		return err
	}
	resolver, store, err := newResolver(ctx, file, table)
	if err != nil {
		return err
	}
	var admin routeStore
	if store != nil {
		defer store.Close()
		admin = store
	}
	if cfg.WatchConfig {
		go func() {
			if err := table.Watch(ctx, cfg.ConfigPath, config.LoadRoutes); err != nil {
				obs.Error("routes.watch", obs.Fields{"path": cfg.ConfigPath, "err": err.Error()})
			}
		}()
	}

	var limiter *ratelimit.Limiter
	if cfg.RateLimit > 0 {
		limiter = ratelimit.NewLimiter(0, cfg.RateLimit, cfg.RateBurst)
	}
	if limiter != nil || store != nil {
		go runSweepLoop(ctx, cfg.SweepInterval, limiter, store)
	}

	handler, err := proxy.New(ctx, proxy.Options{
		Routes:       resolver,
		Fallback:     file.FallbackUpstream,
		MaxBodyBytes: file.MaxBodyBytes,
		TLS:          cfg.EnableTLS,
		Limiter:      limiter,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		obs.Error("listen.public", obs.Fields{"err": err.Error(), "addr": cfg.ListenAddr})
		return err
	}
	if cfg.EnableTLS {
		tlsCfg, err := tlsstream.LoadServerConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
		if err != nil {
			_ = ln.Close()
			return err
		}
		ln = tlsstream.NewAcceptor(ln, tlsCfg)
	}

	state := &serverState{}
	metricsSrv := startMetricsServer(cfg.MetricsAddr, statsSource{
		state:    state,
		table:    table,
		limiter:  limiter,
		store:    admin,
		fallback: file.FallbackUpstream,
	})

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(obsWriter{}, "", 0),
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	state.ready.Store(true)
	obs.Info("server.ready", obs.Fields{"addr": ln.Addr().String()})

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			obs.Error("server.serve", obs.Fields{"err": err.Error()})
		}
	}
	state.closing.Store(true)
	obs.Info("server.shutdown", obs.Fields{})

	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		obs.Error("server.shutdown", obs.Fields{"err": err.Error()})
	}
	stop()
	handler.Wait()
	_ = metricsSrv.Shutdown(sctx)
	obs.Info("server.stopped", obs.Fields{})
	return nil
}

// runSweepLoop periodically drops rate limit buckets for clients that went
// quiet and expired entries from the shared route cache.
func runSweepLoop(ctx context.Context, interval time.Duration, l *ratelimit.Limiter, store *routes.RedisStore) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := l.Sweep(interval); n > 0 {
				obs.Debug("ratelimit.sweep", obs.Fields{"removed": n, "tracked": l.Len()})
			}
			if store != nil {
				if n := store.Sweep(); n > 0 {
					obs.Debug("routes.cache.sweep", obs.Fields{"removed": n, "cached": store.CacheLen()})
				}
			}
		}
	}
}

// obsWriter routes net/http's internal error log (TLS handshake failures,
// malformed requests) into structured logs.
type obsWriter struct{}

func (obsWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if n := len(msg); n > 0 && msg[n-1] == '\n' {
		msg = msg[:n-1]
	}
	obs.Debug("http.server", obs.Fields{"msg": msg})
	return len(p), nil
}
