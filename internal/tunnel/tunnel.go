// Package tunnel keeps a remote SSH port forwarded to a local TCP address.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/jpillora/sizestr"
	"golang.org/x/crypto/ssh"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/ratelimit"
	"github.com/matst80/burrow/internal/splice"
	"github.com/matst80/burrow/internal/sshtun"
)

// Config describes one tunnel: where to log in, which remote port to claim
// and where forwarded connections go.
type Config struct {
	Address         string
	User            string
	Identity        sshtun.Identity
	HostKeyCallback ssh.HostKeyCallback

	RemotePort int
	BindHost   string
	Backlog    int

	LocalAddress string
	DialTimeout  time.Duration

	// Limiter caps forwarded connections per second; nil disables it.
	Limiter *ratelimit.Limiter
}

// Acceptor yields forwarded connections. Errors wrapping
// sshtun.ErrSessionClosed or sshtun.ErrListenerClosed are terminal; anything
// else is per connection.
type Acceptor interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
}

// DialFunc opens the local side of a forwarded connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Orchestrator pairs forwarded SSH channels with local connections.
type Orchestrator struct {
	cfg  Config
	dial DialFunc

	// OnListen, when set, is called with the remote port once the forward is granted.
	OnListen func(port int)

	wg sync.WaitGroup
}

// New returns an Orchestrator that dials locally with a net.Dialer.
func New(cfg Config) *Orchestrator {
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	d := &net.Dialer{}
	return &Orchestrator{cfg: cfg, dial: d.DialContext}
}

// Run connects, handshakes, authenticates and claims the remote port, then
// serves forwarded connections until the session fails or ctx is done.
// Handshake and authentication failures are returned without retry.
func (o *Orchestrator) Run(ctx context.Context) error {
	s, err := sshtun.Dial(ctx, o.cfg.Address, sshtun.Config{
		User:            o.cfg.User,
		HostKeyCallback: o.cfg.HostKeyCallback,
	})
	if err != nil {
		return fmt.Errorf("tunnel: connect %s: %w", o.cfg.Address, err)
	}
	defer s.Close()

	if err := s.Handshake(ctx); err != nil {
		return err
	}
	if err := s.Authenticate(ctx, o.cfg.Identity); err != nil {
		return err
	}
	if !s.Authenticated() {
		return sshtun.ErrNotAuthenticated
	}

	l, port, err := s.ForwardListen(ctx, o.cfg.RemotePort, o.cfg.BindHost, o.cfg.Backlog)
	if err != nil {
		return err
	}
	defer l.Close()
	obs.Info("tunnel.listening", obs.Fields{
		"ssh":    o.cfg.Address,
		"remote": l.Addr(),
		"local":  o.cfg.LocalAddress,
	})
	if o.OnListen != nil {
		o.OnListen(port)
	}
	return o.Serve(ctx, portAcceptor{l})
}

type portAcceptor struct {
	l *sshtun.PortListener
}

func (p portAcceptor) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	ch, err := p.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Serve accepts until ln reports a terminal error or ctx is done. Each
// accepted connection is spliced to a fresh local connection in its own
// goroutine.
func (o *Orchestrator) Serve(ctx context.Context, ln Acceptor) error {
	for {
		ch, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, sshtun.ErrSessionClosed) || errors.Is(err, sshtun.ErrListenerClosed) {
				return err
			}
			obs.ErrorsTotal.WithLabelValues("tunnel_accept").Inc()
			obs.Error("tunnel.accept", obs.Fields{"err": err})
			continue
		}
		if !o.cfg.Limiter.Allow(o.cfg.Address) {
			obs.TunnelRejectedTotal.Inc()
			obs.Debug("tunnel.rate_limited", obs.Fields{"origin": originOf(ch)})
			_ = ch.Close()
			continue
		}
		o.wg.Add(1)
		go o.handle(ctx, ch)
	}
}

// Wait blocks until every spliced connection started by Serve has finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) handle(ctx context.Context, ch io.ReadWriteCloser) {
	defer o.wg.Done()
	origin := originOf(ch)

	dctx := ctx
	if o.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, o.cfg.DialTimeout)
		defer cancel()
	}
	local, err := o.dial(dctx, "tcp", o.cfg.LocalAddress)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("tunnel_dial").Inc()
		obs.Error("tunnel.dial", obs.Fields{"local": o.cfg.LocalAddress, "origin": origin, "err": err})
		_ = ch.Close()
		return
	}
	obs.Debug("tunnel.open", obs.Fields{"origin": origin, "local": o.cfg.LocalAddress})

	res, err := splice.Metered(ctx, "tunnel", ch, local)
	fields := obs.Fields{
		"origin":   origin,
		"sent":     sizestr.ToString(res.AToB),
		"received": sizestr.ToString(res.BToA),
	}
	if err != nil && !splice.IsExpectedCloseError(err) && !errors.Is(err, context.Canceled) {
		fields["err"] = err
		obs.ErrorsTotal.WithLabelValues("tunnel_splice").Inc()
		obs.Error("tunnel.splice", fields)
		return
	}
	obs.Info("tunnel.closed", fields)
}

func originOf(rw io.ReadWriteCloser) string {
	if o, ok := rw.(interface{ Origin() string }); ok {
		return o.Origin()
	}
	return ""
}
