package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
)

// SSHChannelConn wraps an ssh.Channel as a net.Conn. SSH channels have no
// deadlines, so the deadline setters are no-ops.
type SSHChannelConn struct {
	channel ssh.Channel
	// owner is closed after the channel; a client passes its *ssh.Client.
	owner  io.Closer
	local  net.Addr
	remote net.Addr
	once   sync.Once
}

// NewSSHChannelConn wraps channel. owner may be nil.
func NewSSHChannelConn(channel ssh.Channel, owner io.Closer, local, remote net.Addr) *SSHChannelConn {
	return &SSHChannelConn{channel: channel, owner: owner, local: local, remote: remote}
}

func (c *SSHChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *SSHChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *SSHChannelConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		if c.owner != nil {
			err = multierr.Append(err, c.owner.Close())
		}
	})
	return err
}

func (c *SSHChannelConn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *SSHChannelConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *SSHChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *SSHChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *SSHChannelConn) SetWriteDeadline(t time.Time) error { return nil }

var _ net.Conn = (*SSHChannelConn)(nil)
