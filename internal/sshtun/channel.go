package sshtun

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// StreamID selects one of a channel's byte streams.
type StreamID int

const (
	StreamData   StreamID = 0
	StreamStderr StreamID = 1
)

// Channel is one bidirectional SSH channel. Read and Write use the data
// stream; Stream exposes the extended-data stream as well.
type Channel struct {
	session *Session
	ch      ssh.Channel
	origin  string

	once     sync.Once
	closeErr error
}

func newChannel(s *Session, ch ssh.Channel, origin string) *Channel {
	return &Channel{session: s, ch: ch, origin: origin}
}

// Origin is the remote peer address reported by the server.
func (c *Channel) Origin() string { return c.origin }

// Stream returns the byte stream with the given id.
func (c *Channel) Stream(id StreamID) io.ReadWriter {
	if id == StreamStderr {
		return c.ch.Stderr()
	}
	return c.ch
}

func (c *Channel) Read(p []byte) (int, error)  { return c.ch.Read(p) }
func (c *Channel) Write(p []byte) (int, error) { return c.ch.Write(p) }

// CloseWrite sends EOF on the data stream; reads stay open.
func (c *Channel) CloseWrite() error {
	err := c.ch.CloseWrite()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Close closes the channel and releases its hold on the session.
func (c *Channel) Close() error {
	c.once.Do(func() {
		err := c.ch.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		c.closeErr = err
		if c.session != nil {
			c.session.release()
		}
	})
	return c.closeErr
}
