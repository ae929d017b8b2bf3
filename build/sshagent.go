package build

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/zuul-ci/zuul-core/logger"
)

// SSHAgent is a per-build ssh-agent serving an in-memory keyring over a
// unique unix socket, so that concurrent builds on the same executor never
// share key material through a common SSH_AUTH_SOCK.
type SSHAgent struct {
	SocketPath string

	keyring  agent.Agent
	listener net.Listener
	log      logger.Logger
}

// NewSSHAgent starts listening on a fresh socket under dir.
func NewSSHAgent(dir string, log logger.Logger) (*SSHAgent, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sshagent: mkdir %s: %w", dir, err)
	}
	sockPath := filepath.Join(dir, "ssh-agent.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return nil, fmt.Errorf("sshagent: listen: %w", err)
	}
	a := &SSHAgent{
		SocketPath: sockPath,
		keyring:    agent.NewKeyring(),
		listener:   ln,
		log:        log,
	}
	go a.serve()
	return a, nil
}

func (a *SSHAgent) serve() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return
		}
		go func() {
			if err := agent.ServeAgent(a.keyring, conn); err != nil && a.log != nil {
				a.log.Debug("sshagent: connection closed: %s", err)
			}
		}()
	}
}

// AddPrivateKey parses a PEM-encoded private key and adds it to the
// keyring.
func (a *SSHAgent) AddPrivateKey(pemBytes []byte, comment string) error {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return fmt.Errorf("sshagent: no PEM block found")
	}

	key, err := parsePrivateKey(block)
	if err != nil {
		return fmt.Errorf("sshagent: parsing key %q: %w", comment, err)
	}

	return a.keyring.Add(agent.AddedKey{
		PrivateKey: key,
		Comment:    comment,
	})
}

func parsePrivateKey(block *pem.Block) (any, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err := ssh.ParseRawPrivateKey(pem.EncodeToMemory(block))
		if err != nil {
			return nil, err
		}
		return key, nil
	}
}

// Env returns the environment variable pointing subprocesses at this
// agent's socket.
func (a *SSHAgent) Env() []string {
	return []string{"SSH_AUTH_SOCK=" + a.SocketPath}
}

func (a *SSHAgent) Close() error {
	return a.listener.Close()
}
