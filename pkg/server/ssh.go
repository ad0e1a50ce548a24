package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aeolun/reverb/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const sshAuthTimeout = 5 * time.Second

// startSSHServer starts the SSH transport on addr. A session channel carries
// the same framed protocol as TCP, already logged in as the SSH user.
func (s *Server) startSSHServer(addr string) error {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: s.authenticateSSHPassword,
		ServerVersion:    "SSH-2.0-Reverb",
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener

	s.logger.Info("SSH server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

// authenticateSSHPassword checks the SSH password against the configured
// authenticator. The username travels to the session in the permissions.
func (s *Server) authenticateSSHPassword(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	ctx, cancel := context.WithTimeout(s.ctx, sshAuthTimeout)
	defer cancel()

	if err := s.authn.Verify(ctx, meta.User(), string(password)); err != nil {
		s.metrics.RecordAuthFailure()
		s.logger.Info("SSH auth rejected",
			zap.String("username", meta.User()),
			zap.String("remote", meta.RemoteAddr().String()),
			zap.Error(err))
		return nil, errors.New("authentication failed")
	}

	return &ssh.Permissions{
		Extensions: map[string]string{"username": meta.User()},
	}, nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("SSH accept error", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection handles a single SSH connection
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.logger.Debug("SSH handshake failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	defer sshConn.Close()

	// The channel loop below only ends when the client goes away
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	go ssh.DiscardRequests(reqs)

	username := sshConn.Permissions.Extensions["username"]

	for newChannel := range chans {
		// Only "session" channels carry the protocol
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.logger.Warn("Could not accept SSH channel", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			go s.handleSSHChannelRequests(requests)
			s.handleSSHSession(channel, sshConn.RemoteAddr(), username)
		}()
	}
}

func (s *Server) handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// handleSSHSession runs a protocol session over an SSH channel.
func (s *Server) handleSSHSession(channel ssh.Channel, remote net.Addr, username string) {
	defer channel.Close()

	conn := transport.NewSSHChannelConn(channel, nil, nil, remote)
	if username == "" {
		s.handleConnection(conn, "ssh", nil)
		return
	}
	s.handleConnection(conn, "ssh", &username)
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := ExpandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(keyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		s.logger.Info("Loaded SSH host key", zap.String("path", keyPath))
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	s.logger.Info("Generating new SSH host key", zap.String("path", keyPath))

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privateKeyPEM), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return key, nil
}
