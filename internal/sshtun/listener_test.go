package sshtun

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/matst80/burrow/internal/proto"
)

type fakeNewChannel struct {
	acceptErr error
	ch        ssh.Channel

	mu       sync.Mutex
	rejected ssh.RejectionReason
}

func (f *fakeNewChannel) Accept() (ssh.Channel, <-chan *ssh.Request, error) {
	if f.acceptErr != nil {
		return nil, nil, f.acceptErr
	}
	reqs := make(chan *ssh.Request)
	close(reqs)
	return f.ch, reqs, nil
}

func (f *fakeNewChannel) Reject(reason ssh.RejectionReason, message string) error {
	f.mu.Lock()
	f.rejected = reason
	f.mu.Unlock()
	return nil
}

func (f *fakeNewChannel) ChannelType() string { return proto.ForwardedTCPIP }

func (f *fakeNewChannel) ExtraData() []byte {
	return ssh.Marshal(&proto.ForwardedTCPIPData{DestAddr: "127.0.0.1", DestPort: 80, OriginAddr: "198.51.100.7", OriginPort: 4242})
}

func (f *fakeNewChannel) rejection() ssh.RejectionReason {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rejected
}

type fakeChannel struct {
	io.Reader
	closed bool
}

func (c *fakeChannel) Write(p []byte) (int, error) { return len(p), nil }
func (c *fakeChannel) Close() error                { c.closed = true; return nil }
func (c *fakeChannel) CloseWrite() error           { return nil }
func (c *fakeChannel) SendRequest(string, bool, []byte) (bool, error) {
	return false, nil
}
func (c *fakeChannel) Stderr() io.ReadWriter { return nil }

func TestAcceptSurvivesFailedChannel(t *testing.T) {
	s := NewSession(nil, "test", Config{})
	l := newPortListener(s, "127.0.0.1", 80, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		l.deliver(&fakeNewChannel{acceptErr: errors.New("channel open confirm failed")})
	}
	good := &fakeChannel{}
	l.deliver(&fakeNewChannel{ch: good})

	for i := 0; i < 3; i++ {
		_, err := l.Accept(ctx)
		if err == nil {
			t.Fatalf("accept %d: expected error", i)
		}
		if errors.Is(err, ErrSessionClosed) {
			t.Fatalf("accept %d: transient failure reported as terminal: %v", i, err)
		}
	}
	ch, err := l.Accept(ctx)
	if err != nil {
		t.Fatalf("accept after failures: %v", err)
	}
	if ch.Origin() != "198.51.100.7:4242" {
		t.Errorf("origin = %q", ch.Origin())
	}
	ch.Close()
	if !good.closed {
		t.Error("Close did not reach the ssh channel")
	}
}

func TestAcceptWakesOnDelivery(t *testing.T) {
	s := NewSession(nil, "test", Config{})
	l := newPortListener(s, "127.0.0.1", 80, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(30 * time.Millisecond)
		l.deliver(&fakeNewChannel{ch: &fakeChannel{}})
	}()
	if _, err := l.Accept(ctx); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestBacklogFullRejects(t *testing.T) {
	s := NewSession(nil, "test", Config{})
	l := newPortListener(s, "127.0.0.1", 80, 2)

	queued := []*fakeNewChannel{{ch: &fakeChannel{}}, {ch: &fakeChannel{}}}
	for _, nc := range queued {
		l.deliver(nc)
	}
	overflow := &fakeNewChannel{ch: &fakeChannel{}}
	l.deliver(overflow)
	if overflow.rejection() != ssh.ResourceShortage {
		t.Errorf("overflow rejection = %v, want ResourceShortage", overflow.rejection())
	}
	for _, nc := range queued {
		if nc.rejection() != 0 {
			t.Errorf("queued channel rejected with %v", nc.rejection())
		}
	}

	l.terminate(ErrSessionClosed)
	for _, nc := range queued {
		if nc.rejection() != ssh.ConnectionFailed {
			t.Errorf("pending channel on shutdown rejected with %v, want ConnectionFailed", nc.rejection())
		}
	}
	if _, err := l.Accept(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Accept after terminate = %v, want ErrSessionClosed", err)
	}
}
