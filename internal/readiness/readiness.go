// Package readiness adapts resources that only offer "try the operation, it
// may report would-block" semantics into blocking calls. A caller waits on a
// readiness Signal, attempts the operation, and if the attempt reports
// ErrWouldBlock the readiness is cleared before waiting again, so a spurious
// wakeup costs one attempt rather than a busy loop.
//
// Abandoning a Poll through its context stops the wait only. Anything the
// attempt function already issued to the underlying resource stays issued;
// callers that cancel mid-operation must treat the resource state as unknown.
package readiness

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrWouldBlock is returned by an attempt function when the operation cannot
// complete without waiting. Poll never returns it.
var ErrWouldBlock = errors.New("readiness: operation would block")

// Direction selects which readiness edge an operation waits for.
type Direction int

const (
	Readable Direction = iota
	Writable
)

func (d Direction) String() string {
	if d == Writable {
		return "writable"
	}
	return "readable"
}

// Signal is a readiness source for one resource.
type Signal interface {
	// Wait blocks until the resource may be ready in direction dir or ctx is done.
	Wait(ctx context.Context, dir Direction) error
	// Clear drops the cached readiness for dir after an attempt reported would-block.
	Clear(dir Direction)
}

// Poll waits for readiness on sig, then runs attempt. ErrWouldBlock clears the
// readiness and loops; any other result, success or error, is returned as is.
func Poll[T any](ctx context.Context, sig Signal, dir Direction, attempt func() (T, error)) (T, error) {
	for {
		if err := sig.Wait(ctx, dir); err != nil {
			var zero T
			return zero, err
		}
		v, err := attempt()
		if errors.Is(err, ErrWouldBlock) {
			sig.Clear(dir)
			continue
		}
		return v, err
	}
}

// Notifier is a Signal driven by explicit Notify calls from whoever observes
// the resource (typically a goroutine pumping a blocking API). Readiness is
// sticky: once notified, Wait returns immediately until Clear is called.
//
// A positive fallback makes Wait also return after that interval even without
// a notification. This bounded re-check exists for resources whose readiness
// edges can be missed; it trades a little latency for never stalling.
type Notifier struct {
	mu       sync.Mutex
	ready    [2]bool
	wake     [2]chan struct{}
	closed   bool
	fallback time.Duration
}

// NewNotifier returns a Notifier. fallback <= 0 disables the polling fallback.
func NewNotifier(fallback time.Duration) *Notifier {
	n := &Notifier{fallback: fallback}
	n.wake[Readable] = make(chan struct{})
	n.wake[Writable] = make(chan struct{})
	return n
}

// Notify marks dir ready and wakes every waiter.
func (n *Notifier) Notify(dir Direction) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.ready[dir] = true
	close(n.wake[dir])
	n.wake[dir] = make(chan struct{})
}

// Clear implements Signal.
func (n *Notifier) Clear(dir Direction) {
	n.mu.Lock()
	n.ready[dir] = false
	n.mu.Unlock()
}

// Close makes every current and future Wait return immediately. Attempts made
// after Close are expected to observe the closed resource and fail.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for i := range n.wake {
		close(n.wake[i])
	}
}

// Wait implements Signal.
func (n *Notifier) Wait(ctx context.Context, dir Direction) error {
	n.mu.Lock()
	if n.closed || n.ready[dir] {
		n.mu.Unlock()
		return nil
	}
	wake := n.wake[dir]
	n.mu.Unlock()

	var fallback <-chan time.Time
	if n.fallback > 0 {
		t := time.NewTimer(n.fallback)
		defer t.Stop()
		fallback = t.C
	}
	select {
	case <-wake:
		return nil
	case <-fallback:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
