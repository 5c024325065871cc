// Package sshtest runs an in-process SSH server that grants remote port
// forwards and lets tests open forwarded-tcpip channels back to the client.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/matst80/burrow/internal/proto"
)

// Options configures which credentials the server accepts.
type Options struct {
	User          string
	AuthorizedKey ssh.PublicKey
	Password      string
	// RefuseForward makes every tcpip-forward request fail.
	RefuseForward bool
}

// Server is a single-purpose SSH server bound to 127.0.0.1.
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	// Forwards receives every granted tcpip-forward request, with the bound port filled in.
	Forwards chan proto.TCPIPForwardRequest
	// Cancels receives every cancel-tcpip-forward request.
	Cancels chan proto.TCPIPForwardRequest

	opts     Options
	ln       net.Listener
	config   *ssh.ServerConfig
	mu       sync.Mutex
	conn     *ssh.ServerConn
	connUp   chan struct{}
	nextPort uint32
}

// NewServer starts a server and stops it when the test ends.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	s := &Server{
		HostKey:  signer.PublicKey(),
		Forwards: make(chan proto.TCPIPForwardRequest, 16),
		Cancels:  make(chan proto.TCPIPForwardRequest, 16),
		opts:     opts,
		connUp:   make(chan struct{}),
		nextPort: 40000,
	}
	s.config = &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() == opts.User && opts.AuthorizedKey != nil &&
				string(key.Marshal()) == string(opts.AuthorizedKey.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unknown key")
		},
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == opts.User && opts.Password != "" && string(pass) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("bad password")
		},
	}
	s.config.AddHostKey(signer)

	s.ln, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.Addr = s.ln.Addr().String()
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// HostKeyCallback pins the server's host key.
func (s *Server) HostKeyCallback() ssh.HostKeyCallback {
	return ssh.FixedHostKey(s.HostKey)
}

func (s *Server) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *Server) handle(c net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(c, s.config)
	if err != nil {
		c.Close()
		return
	}
	s.mu.Lock()
	first := s.conn == nil
	s.conn = conn
	s.mu.Unlock()
	if first {
		close(s.connUp)
	}
	go s.handleRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			_ = nc.Reject(ssh.Prohibited, "direct-tcpip only")
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(creqs)
		go echo(ch)
	}
}

func echo(ch ssh.Channel) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			if _, werr := ch.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	_ = ch.CloseWrite()
	_ = ch.Close()
}

func (s *Server) handleRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case proto.TCPIPForward:
			var fwd proto.TCPIPForwardRequest
			if err := ssh.Unmarshal(req.Payload, &fwd); err != nil || s.opts.RefuseForward {
				_ = req.Reply(false, nil)
				continue
			}
			var reply []byte
			if fwd.BindPort == 0 {
				s.mu.Lock()
				fwd.BindPort = s.nextPort
				s.nextPort++
				s.mu.Unlock()
				reply = ssh.Marshal(&proto.TCPIPForwardReply{BindPort: fwd.BindPort})
			}
			_ = req.Reply(true, reply)
			s.Forwards <- fwd
		case proto.CancelTCPIPForward:
			var fwd proto.TCPIPForwardRequest
			_ = ssh.Unmarshal(req.Payload, &fwd)
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			s.Cancels <- fwd
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// Forward opens a forwarded-tcpip channel for a connection to bindHost:port
// arriving from originAddr:originPort.
func (s *Server) Forward(bindHost string, port uint32, originAddr string, originPort uint32) (ssh.Channel, error) {
	<-s.connUp
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	payload := ssh.Marshal(&proto.ForwardedTCPIPData{
		DestAddr:   bindHost,
		DestPort:   port,
		OriginAddr: originAddr,
		OriginPort: originPort,
	})
	ch, reqs, err := conn.OpenChannel(proto.ForwardedTCPIP, payload)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// DropConnection closes the current client connection from the server side.
func (s *Server) DropConnection() {
	<-s.connUp
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	conn.Close()
}

// Close stops accepting connections and drops the current one.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
