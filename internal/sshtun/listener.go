package sshtun

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
	"github.com/matst80/burrow/internal/readiness"
)

// AcceptPollInterval bounds how long Accept sleeps between readiness checks
// when no forwarded channel has been announced.
const AcceptPollInterval = 10 * time.Millisecond

// DefaultBacklog is used when ForwardListen is given a non-positive backlog.
const DefaultBacklog = 64

// PortListener receives the connections a server forwards from one remote port.
type PortListener struct {
	session  *Session
	bindHost string
	port     uint32
	backlog  int
	notify   *readiness.Notifier

	mu       sync.Mutex
	queue    []ssh.NewChannel
	closeErr error
	once     sync.Once
}

func newPortListener(s *Session, bindHost string, port uint32, backlog int) *PortListener {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &PortListener{
		session:  s,
		bindHost: bindHost,
		port:     port,
		backlog:  backlog,
		notify:   readiness.NewNotifier(AcceptPollInterval),
	}
}

// Port is the remote port the server bound.
func (l *PortListener) Port() int { return int(l.port) }

// Addr is the remote bind address as host:port.
func (l *PortListener) Addr() string {
	return net.JoinHostPort(l.bindHost, strconv.Itoa(int(l.port)))
}

func (l *PortListener) deliver(nc ssh.NewChannel) {
	l.mu.Lock()
	if l.closeErr != nil || len(l.queue) >= l.backlog {
		full := l.closeErr == nil
		l.mu.Unlock()
		if full {
			obs.TunnelRejectedTotal.Inc()
			obs.Error("ssh.forward.backlog_full", obs.Fields{"port": l.port, "backlog": l.backlog})
			_ = nc.Reject(ssh.ResourceShortage, "backlog full")
		} else {
			_ = nc.Reject(ssh.ConnectionFailed, "listener closed")
		}
		return
	}
	l.queue = append(l.queue, nc)
	l.mu.Unlock()
	l.notify.Notify(readiness.Readable)
}

func (l *PortListener) tryPop() (ssh.NewChannel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) > 0 {
		nc := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		return nc, nil
	}
	if l.closeErr != nil {
		return nil, l.closeErr
	}
	return nil, readiness.ErrWouldBlock
}

// Accept waits for the next forwarded connection. An error wrapping
// ErrSessionClosed or ErrListenerClosed means no further connections will
// arrive; any other error concerns only the connection that failed to open.
func (l *PortListener) Accept(ctx context.Context) (*Channel, error) {
	nc, err := readiness.Poll(ctx, l.notify, readiness.Readable, l.tryPop)
	if err != nil {
		return nil, err
	}
	var data proto.ForwardedTCPIPData
	_ = ssh.Unmarshal(nc.ExtraData(), &data)
	origin := net.JoinHostPort(data.OriginAddr, strconv.Itoa(int(data.OriginPort)))

	ch, reqs, err := nc.Accept()
	if err != nil {
		return nil, fmt.Errorf("sshtun: accept forwarded channel from %s: %w", origin, err)
	}
	go ssh.DiscardRequests(reqs)
	l.session.acquire()
	obs.TunnelAcceptsTotal.Inc()
	return newChannel(l.session, ch, origin), nil
}

// Close cancels the remote forward and rejects queued connections. Channels
// already accepted stay open.
func (l *PortListener) Close() error {
	var err error
	l.once.Do(func() {
		l.session.unregister(l)
		if conn, cerr := l.session.conn(); cerr == nil {
			payload := ssh.Marshal(&proto.TCPIPForwardRequest{BindAddr: l.bindHost, BindPort: l.port})
			if _, _, serr := conn.SendRequest(proto.CancelTCPIPForward, false, payload); serr != nil {
				err = serr
			}
		}
		l.shutdown(ErrListenerClosed)
		l.session.release()
	})
	return err
}

// terminate is called by the session when its transport fails.
func (l *PortListener) terminate(err error) {
	l.shutdown(err)
}

func (l *PortListener) shutdown(err error) {
	l.mu.Lock()
	if l.closeErr == nil {
		l.closeErr = err
	}
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()
	for _, nc := range pending {
		_ = nc.Reject(ssh.ConnectionFailed, "listener closed")
	}
	l.notify.Close()
}
