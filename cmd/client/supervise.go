package main

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/sshtun"
)

// supervisor re-runs the tunnel after it fails. Failures that a retry cannot
// fix (rejected credentials, a changed host key) end the loop.
type supervisor struct {
	backoff *backoff.Backoff
	run     func(context.Context) error
	once    bool
	sleep   func(context.Context, time.Duration) error

	// established is set by the tunnel once the remote port is granted.
	established atomic.Bool
}

func (s *supervisor) loop(ctx context.Context) error {
	for {
		err := s.run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if permanent(err) {
			return err
		}
		if s.established.Swap(false) {
			s.backoff.Reset()
		}
		if s.once {
			return err
		}
		d := s.backoff.Duration()
		fields := obs.Fields{"retry_in": d.String(), "attempt": int(s.backoff.Attempt())}
		if err != nil {
			fields["err"] = err.Error()
		}
		obs.Error("tunnel.down", fields)
		if err := s.sleep(ctx, d); err != nil {
			return nil
		}
	}
}

func permanent(err error) bool {
	var authErr *sshtun.AuthError
	var keyErr *knownhosts.KeyError
	return errors.As(err, &authErr) || errors.As(err, &keyErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
