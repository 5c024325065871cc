// Package sshtun drives an SSH client session for remote port forwarding.
//
// A Session moves through three states: unauthenticated (transport dialed,
// optionally handshaken), authenticated, and closed. Handshake and
// Authenticate must each run once, in that order, before anything else; the
// session is then shared by the PortListeners and Channels derived from it and
// its transport is released when the owner and every derived object have
// closed.
//
// golang.org/x/crypto/ssh performs key exchange and user authentication in a
// single blocking call. Session splits the two by running that call in the
// background: Handshake returns once the server host key has been verified,
// and the authentication callbacks block until Authenticate supplies an
// Identity.
//
// The underlying ssh.Conn is safe for concurrent use, so channel I/O is not
// serialized here; mu only guards state transitions and the listener
// registry. Cancelling the context of a pending operation stops the wait but
// not whatever was already written to the transport (a forward request may
// still be granted by the server, for example).
package sshtun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/matst80/burrow/internal/obs"
	"github.com/matst80/burrow/internal/proto"
)

var (
	ErrAlreadyHandshaken = errors.New("sshtun: handshake already performed")
	ErrNotHandshaken     = errors.New("sshtun: handshake has not completed")
	ErrNotAuthenticated  = errors.New("sshtun: session is not authenticated")
	ErrSessionClosed     = errors.New("sshtun: session closed")
	// ErrListenerClosed is returned by Accept after PortListener.Close.
	ErrListenerClosed    = fmt.Errorf("sshtun: listener closed: %w", net.ErrClosed)
)

// AuthError reports that the server rejected the supplied identity.
type AuthError struct {
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("sshtun: authentication failed for %q: %v", e.User, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Config describes the remote end of a session.
type Config struct {
	// User is the login name sent with every authentication attempt.
	User string
	// HostKeyCallback verifies the server host key. Required.
	HostKeyCallback ssh.HostKeyCallback
	// ClientVersion overrides the identification string; empty uses the library default.
	ClientVersion string
}

type sessionState interface {
	sshState()
}

type unauthenticated struct {
	handshaken bool
}

type authenticated struct {
	conn ssh.Conn
}

type closed struct {
	err error
}

func (unauthenticated) sshState() {}
func (authenticated) sshState()   {}
func (closed) sshState()          {}

type connResult struct {
	conn  ssh.Conn
	chans <-chan ssh.NewChannel
	reqs  <-chan *ssh.Request
	err   error
}

// Session is one SSH connection and the state shared by everything derived from it.
type Session struct {
	addr    string
	netConn net.Conn
	config  Config

	mu        sync.Mutex
	state     sessionState
	refs      int
	started   bool
	authing   bool
	listeners map[uint32]*PortListener

	kexOnce    sync.Once
	closeOnce  sync.Once
	kexDone    chan error
	result     chan connResult
	identity   Identity
	identReady chan struct{}
	done       chan struct{}
}

// NewSession wraps an established transport connection. addr is the dialed
// address, passed to the host key callback.
func NewSession(netConn net.Conn, addr string, config Config) *Session {
	return &Session{
		addr:       addr,
		netConn:    netConn,
		config:     config,
		state:      unauthenticated{},
		refs:       1,
		listeners:  make(map[uint32]*PortListener),
		kexDone:    make(chan error, 1),
		result:     make(chan connResult, 1),
		identReady: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Dial connects to addr over TCP and returns an unauthenticated session.
func Dial(ctx context.Context, addr string, config Config) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewSession(conn, addr, config), nil
}

// Handshake runs the SSH key exchange and verifies the host key. It may be
// called once, before any other operation.
func (s *Session) Handshake(ctx context.Context) error {
	s.mu.Lock()
	st, ok := s.state.(unauthenticated)
	if !ok || st.handshaken || s.started {
		s.mu.Unlock()
		return ErrAlreadyHandshaken
	}
	s.started = true
	s.mu.Unlock()

	if s.config.HostKeyCallback == nil {
		s.fail(errNoHostKeyCallback)
		return errNoHostKeyCallback
	}

	cfg := &ssh.ClientConfig{
		User: s.config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeysCallback(s.awaitSigners),
			ssh.PasswordCallback(s.awaitPassword),
		},
		HostKeyCallback: s.verifyHostKey,
		ClientVersion:   s.config.ClientVersion,
	}
	go func() {
		conn, chans, reqs, err := ssh.NewClientConn(s.netConn, s.addr, cfg)
		s.result <- connResult{conn: conn, chans: chans, reqs: reqs, err: err}
	}()

	select {
	case err := <-s.kexDone:
		if err != nil {
			s.fail(err)
			return fmt.Errorf("sshtun: handshake with %s: %w", s.addr, err)
		}
	case r := <-s.result:
		// Failed before key exchange finished (version exchange, kex negotiation).
		s.result <- r
		err := r.err
		if err == nil {
			err = errors.New("connection established without host key verification")
		}
		s.fail(err)
		return fmt.Errorf("sshtun: handshake with %s: %w", s.addr, err)
	case <-ctx.Done():
		s.fail(ctx.Err())
		return ctx.Err()
	}

	s.mu.Lock()
	s.state = unauthenticated{handshaken: true}
	s.mu.Unlock()
	obs.Debug("ssh.handshake", obs.Fields{"addr": s.addr})
	return nil
}

func (s *Session) verifyHostKey(hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := s.config.HostKeyCallback(hostname, remote, key)
	s.kexOnce.Do(func() { s.kexDone <- err })
	return err
}

func (s *Session) awaitIdentity() (Identity, error) {
	select {
	case <-s.identReady:
		return s.identity, nil
	case <-s.done:
		return Identity{}, ErrSessionClosed
	}
}

func (s *Session) awaitSigners() ([]ssh.Signer, error) {
	id, err := s.awaitIdentity()
	if err != nil {
		return nil, err
	}
	return id.Signers, nil
}

var (
	errNoPassword        = errors.New("no password in identity")
	errNoHostKeyCallback = errors.New("sshtun: no host key callback configured")
)

func (s *Session) awaitPassword() (string, error) {
	id, err := s.awaitIdentity()
	if err != nil {
		return "", err
	}
	if id.Password == "" {
		return "", errNoPassword
	}
	return id.Password, nil
}

// Authenticate offers id to the server. It requires a completed Handshake and
// must not be called twice. A rejection is returned as *AuthError and closes
// the session.
func (s *Session) Authenticate(ctx context.Context, id Identity) error {
	s.mu.Lock()
	switch st := s.state.(type) {
	case unauthenticated:
		if !st.handshaken {
			s.mu.Unlock()
			return ErrNotHandshaken
		}
		if s.authing {
			s.mu.Unlock()
			return errors.New("sshtun: authentication already in progress")
		}
	case authenticated:
		s.mu.Unlock()
		return errors.New("sshtun: session already authenticated")
	case closed:
		s.mu.Unlock()
		return ErrSessionClosed
	default:
		panic("sshtun: unknown session state")
	}
	s.authing = true
	s.identity = id
	close(s.identReady)
	s.mu.Unlock()

	var r connResult
	select {
	case r = <-s.result:
	case <-ctx.Done():
		s.fail(ctx.Err())
		return ctx.Err()
	}
	if r.err != nil {
		s.fail(r.err)
		return &AuthError{User: s.config.User, Err: r.err}
	}

	s.mu.Lock()
	if _, ok := s.state.(closed); ok {
		s.mu.Unlock()
		r.conn.Close()
		return ErrSessionClosed
	}
	s.state = authenticated{conn: r.conn}
	s.mu.Unlock()

	go ssh.DiscardRequests(r.reqs)
	go s.dispatch(r.chans)
	go func() {
		err := r.conn.Wait()
		s.fail(err)
	}()
	obs.Info("ssh.authenticated", obs.Fields{"addr": s.addr, "user": s.config.User})
	return nil
}

// Authenticated reports whether Authenticate succeeded and the session is still open.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.(authenticated)
	return ok
}

// Done is closed once the session has failed or been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that closed the session, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state.(closed); ok {
		return st.err
	}
	return nil
}

func (s *Session) conn() (ssh.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st := s.state.(type) {
	case authenticated:
		return st.conn, nil
	case closed:
		return nil, ErrSessionClosed
	default:
		return nil, ErrNotAuthenticated
	}
}

// ForwardListen asks the server to listen on bindHost:remotePort and returns a
// listener for the forwarded connections plus the port the server actually
// bound (which differs from remotePort when 0 was requested). backlog bounds
// the number of forwarded channels waiting for Accept; further ones are
// rejected.
func (s *Session) ForwardListen(ctx context.Context, remotePort int, bindHost string, backlog int) (*PortListener, int, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, 0, err
	}
	if remotePort < 0 || remotePort > 65535 {
		return nil, 0, fmt.Errorf("sshtun: invalid remote port %d", remotePort)
	}
	payload := ssh.Marshal(&proto.TCPIPForwardRequest{BindAddr: bindHost, BindPort: uint32(remotePort)})

	type reply struct {
		ok      bool
		payload []byte
		err     error
	}
	replies := make(chan reply, 1)
	go func() {
		ok, p, err := conn.SendRequest(proto.TCPIPForward, true, payload)
		replies <- reply{ok, p, err}
	}()
	var r reply
	select {
	case r = <-replies:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	if r.err != nil {
		return nil, 0, fmt.Errorf("sshtun: tcpip-forward: %w", r.err)
	}
	if !r.ok {
		return nil, 0, fmt.Errorf("sshtun: server refused forward of %s:%d", bindHost, remotePort)
	}
	port := uint32(remotePort)
	if port == 0 {
		var rep proto.TCPIPForwardReply
		if err := ssh.Unmarshal(r.payload, &rep); err != nil {
			return nil, 0, fmt.Errorf("sshtun: parse tcpip-forward reply: %w", err)
		}
		port = rep.BindPort
	}

	l := newPortListener(s, bindHost, port, backlog)
	s.mu.Lock()
	if _, ok := s.state.(authenticated); !ok {
		s.mu.Unlock()
		return nil, 0, ErrSessionClosed
	}
	s.listeners[port] = l
	s.refs++
	s.mu.Unlock()
	obs.Info("ssh.forward.listen", obs.Fields{"addr": s.addr, "bind": bindHost, "requested": remotePort, "port": port})
	return l, int(port), nil
}

// OpenDirect opens a direct-tcpip channel to host:port as seen from the server.
func (s *Session) OpenDirect(ctx context.Context, host string, port int) (*Channel, error) {
	conn, err := s.conn()
	if err != nil {
		return nil, err
	}
	payload := ssh.Marshal(&struct {
		Host       string
		Port       uint32
		OriginAddr string
		OriginPort uint32
	}{host, uint32(port), "127.0.0.1", 0})

	type opened struct {
		ch  ssh.Channel
		err error
	}
	res := make(chan opened, 1)
	go func() {
		ch, reqs, err := conn.OpenChannel("direct-tcpip", payload)
		if err == nil {
			go ssh.DiscardRequests(reqs)
		}
		res <- opened{ch, err}
	}()
	select {
	case o := <-res:
		if o.err != nil {
			return nil, o.err
		}
		s.acquire()
		return newChannel(s, o.ch, net.JoinHostPort(host, fmt.Sprint(port))), nil
	case <-ctx.Done():
		go func() {
			if o := <-res; o.err == nil {
				o.ch.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// dispatch routes forwarded-tcpip channel opens to the listener that owns the port.
func (s *Session) dispatch(chans <-chan ssh.NewChannel) {
	for nc := range chans {
		if nc.ChannelType() != proto.ForwardedTCPIP {
			_ = nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		var data proto.ForwardedTCPIPData
		if err := ssh.Unmarshal(nc.ExtraData(), &data); err != nil {
			_ = nc.Reject(ssh.ConnectionFailed, "malformed forwarded-tcpip payload")
			continue
		}
		s.mu.Lock()
		l := s.listeners[data.DestPort]
		s.mu.Unlock()
		if l == nil {
			obs.Error("ssh.forward.unknown_port", obs.Fields{"port": data.DestPort})
			_ = nc.Reject(ssh.Prohibited, "no forward for port")
			continue
		}
		l.deliver(nc)
	}
}

func (s *Session) acquire() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// release drops one reference; the transport closes with the last one.
func (s *Session) release() {
	s.mu.Lock()
	s.refs--
	last := s.refs == 0
	s.mu.Unlock()
	if last {
		s.fail(ErrSessionClosed)
	}
}

func (s *Session) unregister(l *PortListener) {
	s.mu.Lock()
	if s.listeners[l.port] == l {
		delete(s.listeners, l.port)
	}
	s.mu.Unlock()
}

// fail moves the session to closed, closes the transport and terminates every listener.
func (s *Session) fail(err error) {
	if err == nil {
		err = ErrSessionClosed
	}
	s.mu.Lock()
	if _, ok := s.state.(closed); ok {
		s.mu.Unlock()
		return
	}
	var conn ssh.Conn
	if st, ok := s.state.(authenticated); ok {
		conn = st.conn
	}
	s.state = closed{err: err}
	listeners := make([]*PortListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listeners = map[uint32]*PortListener{}
	close(s.done)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	} else if s.netConn != nil {
		_ = s.netConn.Close()
	}
	for _, l := range listeners {
		l.terminate(fmt.Errorf("%w: %v", ErrSessionClosed, err))
	}
}

// Close releases the owner's reference. The transport stays open while
// listeners or channels derived from the session are still open.
func (s *Session) Close() error {
	s.closeOnce.Do(s.release)
	return nil
}
