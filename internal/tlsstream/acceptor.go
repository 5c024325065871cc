package tlsstream

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/matst80/burrow/internal/obs"
)

// Acceptor wraps a listener and yields a Stream per accepted connection. It
// never blocks on a handshake, so one slow client cannot stall Accept.
type Acceptor struct {
	inner  net.Listener
	config *tls.Config
}

var _ net.Listener = (*Acceptor)(nil)

// NewAcceptor returns an Acceptor presenting the certificates in config.
func NewAcceptor(inner net.Listener, config *tls.Config) *Acceptor {
	return &Acceptor{inner: inner, config: config}
}

// Accept returns the next connection as a *Stream in the handshaking state.
func (a *Acceptor) Accept() (net.Conn, error) {
	raw, err := a.inner.Accept()
	if err != nil {
		return nil, err
	}
	return NewStream(raw, a.config), nil
}

func (a *Acceptor) Close() error   { return a.inner.Close() }
func (a *Acceptor) Addr() net.Addr { return a.inner.Addr() }

// LoadServerConfig loads a PEM certificate chain and private key. The server
// presents this single certificate to every client. If caFile is set, client
// certificates signed by that CA are required (mTLS).
func LoadServerConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	}
	if caFile != "" {
		caCert, err := os.ReadFile(caFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		obs.Info("tls.mtls_enabled", obs.Fields{"ca_file": caFile})
	}
	return cfg, nil
}
