package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/aeolun/reverb/pkg/transport"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultTCPPort         = "7465"
	defaultSSHPort         = "7466"
	defaultHTTPPort        = "8080"
	reverbSSHVersionPrefix = "SSH-2.0-Reverb"
)

// Address is a parsed server address.
type Address struct {
	Scheme string // tcp, ssh, ws or wss
	User   string // ssh only
	Host   string
	Port   string
}

// HostPort returns host:port.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, a.Port)
}

func (a Address) String() string {
	if a.User != "" {
		return fmt.Sprintf("%s://%s@%s", a.Scheme, a.User, a.HostPort())
	}
	return fmt.Sprintf("%s://%s", a.Scheme, a.HostPort())
}

// ParseAddress accepts host[:port], tcp://host[:port], ws://, wss:// and
// ssh://user@host[:port]. Missing ports take the scheme's default.
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Address{}, errors.New("server address is empty")
	}

	addr := Address{Scheme: "tcp"}
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return Address{}, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			addr.Scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			addr.User = u.User.Username()
		}
		hostPort = u.Host
	}

	var defaultPort string
	switch addr.Scheme {
	case "tcp":
		defaultPort = defaultTCPPort
	case "ssh":
		defaultPort = defaultSSHPort
		if addr.User == "" {
			return Address{}, fmt.Errorf("ssh address %q needs a user (ssh://user@host)", raw)
		}
	case "ws", "wss":
		defaultPort = defaultHTTPPort
	default:
		return Address{}, fmt.Errorf("unsupported server scheme %q", addr.Scheme)
	}

	host, port, err := splitHostPortWithDefault(hostPort, defaultPort)
	if err != nil {
		return Address{}, err
	}
	addr.Host = host
	addr.Port = port
	return addr, nil
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

// Dial connects to raw (see ParseAddress) and starts a Client. For ssh://
// addresses the password comes from WithPassword and the server logs the
// user in during the handshake.
func Dial(ctx context.Context, raw string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	addr, err := ParseAddress(raw)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()

	var conn net.Conn
	switch addr.Scheme {
	case "tcp":
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr.HostPort())
	case "ws", "wss":
		conn, err = DialWebSocket(ctx, addr.HostPort(), addr.Scheme == "wss")
	case "ssh":
		conn, err = dialSSH(ctx, addr, o)
		o.preauthorized = true
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	o.logger.Debug("Connected", zap.Stringer("address", addr))
	return newClient(conn, o), nil
}

// DialWebSocket opens a WebSocket to the server's /ws endpoint.
func DialWebSocket(ctx context.Context, hostPort string, useTLS bool) (net.Conn, error) {
	u := url.URL{Scheme: "ws", Host: hostPort, Path: "/ws"}
	dialer := websocket.Dialer{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if useTLS {
		u.Scheme = "wss"
		dialer.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return transport.NewWebSocketConn(ws), nil
}

// WithKnownHosts verifies SSH host keys against an OpenSSH known_hosts
// file. Without it, any host key is accepted.
func WithKnownHosts(path string) Option {
	return func(o *options) { o.knownHosts = path }
}

func hostKeyCallback(o options) (ssh.HostKeyCallback, error) {
	if o.knownHosts == "" {
		o.logger.Warn("SSH host key is not verified")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(o.knownHosts)
}

func dialSSH(ctx context.Context, addr Address, o options) (net.Conn, error) {
	hostKeys, err := hostKeyCallback(o)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, err
	}

	// Bound the handshake by the dial context
	if deadline, ok := ctx.Deadline(); ok {
		if err := netConn.SetDeadline(deadline); err != nil {
			netConn.Close()
			return nil, fmt.Errorf("failed to set connection deadline: %w", err)
		}
	}

	config := &ssh.ClientConfig{
		User:            addr.User,
		Auth:            []ssh.AuthMethod{ssh.Password(o.password)},
		HostKeyCallback: hostKeys,
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, addr.HostPort(), config)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	if err := netConn.SetDeadline(time.Time{}); err != nil {
		clientConn.Close()
		return nil, fmt.Errorf("failed to clear connection deadline: %w", err)
	}

	serverBanner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(serverBanner, reverbSSHVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected banner prefix %q", serverBanner, reverbSSHVersionPrefix)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return transport.NewSSHChannelConn(channel, client, netConn.LocalAddr(), netConn.RemoteAddr()), nil
}
