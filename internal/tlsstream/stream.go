// Package tlsstream terminates inbound TLS without a visible handshake phase.
//
// A Stream starts out handshaking. The first Read or Write drives the
// handshake to completion and moves the stream to streaming, after which every
// call goes straight to the encrypted connection. Before that transition no
// application data has been exchanged, so Flush and CloseWrite succeed without
// touching the wire.
package tlsstream

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/matst80/burrow/internal/obs"
)

// state is either handshaking or streaming.
type state interface {
	tlsState()
}

type handshaking struct {
	conn *tls.Conn
}

type streaming struct {
	conn *tls.Conn
}

func (handshaking) tlsState() {}
func (streaming) tlsState()   {}

// Stream is a server-side TLS connection whose handshake is completed lazily
// by the first Read or Write.
type Stream struct {
	raw net.Conn

	hsMu  sync.Mutex
	mu    sync.Mutex
	state state
}

var _ net.Conn = (*Stream)(nil)

// NewStream begins a server handshake over raw using cfg.
func NewStream(raw net.Conn, cfg *tls.Config) *Stream {
	return &Stream{raw: raw, state: handshaking{conn: tls.Server(raw, cfg)}}
}

// State returns "handshaking" or "streaming".
func (s *Stream) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state.(type) {
	case handshaking:
		return "handshaking"
	case streaming:
		return "streaming"
	default:
		panic("tlsstream: unknown state")
	}
}

// established returns the encrypted connection, finishing the handshake first
// if needed. The transition to streaming happens at most once; a failed
// handshake leaves the stream handshaking and tls.Conn keeps returning the
// same error. hsMu serializes handshake attempts so mu is never held across
// network I/O and Close can always interrupt a stalled handshake.
func (s *Stream) established() (*tls.Conn, error) {
	if conn, ok := s.streamingConn(); ok {
		return conn, nil
	}
	s.hsMu.Lock()
	defer s.hsMu.Unlock()

	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st := st.(type) {
	case streaming:
		return st.conn, nil
	case handshaking:
		if err := st.conn.HandshakeContext(context.Background()); err != nil {
			obs.TLSHandshakesTotal.WithLabelValues("error").Inc()
			obs.Error("tls.handshake.error", obs.Fields{"remote": s.raw.RemoteAddr().String(), "err": err})
			return nil, err
		}
		obs.TLSHandshakesTotal.WithLabelValues("ok").Inc()
		s.mu.Lock()
		s.state = streaming{conn: st.conn}
		s.mu.Unlock()
		return st.conn, nil
	default:
		panic("tlsstream: unknown state")
	}
}

func (s *Stream) streamingConn() (*tls.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state.(streaming); ok {
		return st.conn, true
	}
	return nil, false
}

func (s *Stream) Read(p []byte) (int, error) {
	conn, err := s.established()
	if err != nil {
		return 0, err
	}
	return conn.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	conn, err := s.established()
	if err != nil {
		return 0, err
	}
	return conn.Write(p)
}

// Flush is a no-op: tls.Conn emits records as they are written and nothing is
// buffered before the handshake completes.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state.(type) {
	case handshaking, streaming:
		return nil
	default:
		panic("tlsstream: unknown state")
	}
}

// CloseWrite shuts down the write side. While handshaking it succeeds without
// sending anything.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st := st.(type) {
	case handshaking:
		return nil
	case streaming:
		return st.conn.CloseWrite()
	default:
		panic("tlsstream: unknown state")
	}
}

// Close releases the connection. A stream that never finished its handshake
// closes the socket without sending a close_notify alert.
func (s *Stream) Close() error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	switch st := st.(type) {
	case handshaking:
		return s.raw.Close()
	case streaming:
		return st.conn.Close()
	default:
		panic("tlsstream: unknown state")
	}
}

// ConnectionState returns the TLS state; it is the zero value until the
// handshake completes.
func (s *Stream) ConnectionState() tls.ConnectionState {
	if conn, ok := s.streamingConn(); ok {
		return conn.ConnectionState()
	}
	return tls.ConnectionState{}
}

func (s *Stream) LocalAddr() net.Addr                { return s.raw.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr               { return s.raw.RemoteAddr() }
func (s *Stream) SetDeadline(t time.Time) error      { return s.raw.SetDeadline(t) }
func (s *Stream) SetReadDeadline(t time.Time) error  { return s.raw.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.raw.SetWriteDeadline(t) }
