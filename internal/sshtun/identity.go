package sshtun

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/matst80/burrow/internal/obs"
)

// Identity is the credential material offered during authentication. Public
// keys are tried before the password.
type Identity struct {
	Signers  []ssh.Signer
	Password string
}

// PassphraseFunc supplies the passphrase for an encrypted private key.
type PassphraseFunc func() ([]byte, error)

// LoadIdentity reads a private key file. passphrase is consulted only when the
// key is encrypted; it may be nil for unencrypted keys.
func LoadIdentity(keyFile string, passphrase PassphraseFunc) (Identity, error) {
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return Identity{}, fmt.Errorf("sshtun: read key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) {
		if passphrase == nil {
			return Identity{}, fmt.Errorf("sshtun: key %s is encrypted and no passphrase was provided", keyFile)
		}
		pass, perr := passphrase()
		if perr != nil {
			return Identity{}, fmt.Errorf("sshtun: passphrase: %w", perr)
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, pass)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("sshtun: parse key %s: %w", keyFile, err)
	}
	return Identity{Signers: []ssh.Signer{signer}}, nil
}

// HostKeyCallback verifies against a known_hosts file. An empty path accepts
// any host key and logs a warning once per connection.
func HostKeyCallback(knownHostsFile string) (ssh.HostKeyCallback, error) {
	if knownHostsFile == "" {
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			obs.Info("ssh.hostkey.unverified", obs.Fields{
				"host":        hostname,
				"fingerprint": ssh.FingerprintSHA256(key),
			})
			return nil
		}, nil
	}
	cb, err := knownhosts.New(knownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("sshtun: known hosts: %w", err)
	}
	return cb, nil
}
