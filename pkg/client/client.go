// Package client is a Go client for the relay protocol. It owns one
// connection, runs its read and write loops, and pairs requests such as
// Login and Join with their responses.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/reverb/pkg/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrClosed       = errors.New("client closed")
	ErrQueueFull    = errors.New("outgoing queue full")
	ErrNotInChannel = errors.New("not in a channel")
)

// LoginError is returned when the server refuses a login.
type LoginError struct {
	Reason string
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("login rejected: %s", e.Reason)
}

// Option customizes a Client.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	frameOpts     protocol.FrameOptions
	dialTimeout   time.Duration
	queueSize     int
	password      string
	knownHosts    string
	preauthorized bool
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		frameOpts:   protocol.DefaultFrameOptions,
		dialTimeout: 5 * time.Second,
		queueSize:   256,
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithFrameOptions(opts protocol.FrameOptions) Option {
	return func(o *options) { o.frameOpts = opts }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithQueueSize sets how many outgoing frames may be buffered before Send
// reports ErrQueueFull.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithPassword sets the password for ssh:// addresses.
func WithPassword(password string) Option {
	return func(o *options) { o.password = password }
}

const closeFlushTimeout = time.Second

// waiter receives the first inbound message match accepts.
type waiter struct {
	match func(protocol.Message) bool
	ch    chan protocol.Message
}

// Client is a connection to a relay server.
type Client struct {
	conn      net.Conn
	logger    *zap.Logger
	frameOpts protocol.FrameOptions

	outgoing chan []byte
	messages chan protocol.Message

	mu       sync.Mutex // Protects the fields below
	waiters  []*waiter
	identity *protocol.IdentityInfo
	channel  *uuid.UUID
	err      error

	// Set on SSH, where the server logs in during the handshake
	preauth     *waiter
	preauthInfo *waiter

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	shutdown   chan struct{}
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// New runs the protocol over an established connection.
func New(conn net.Conn, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newClient(conn, o)
}

func newClient(conn net.Conn, o options) *Client {
	c := &Client{
		conn:       conn,
		logger:     o.logger,
		frameOpts:  o.frameOpts,
		outgoing:   make(chan []byte, o.queueSize),
		messages:   make(chan protocol.Message, 256),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	if o.preauthorized {
		// Registered before the read loop starts so the server's unsolicited
		// LoginResponse can't slip past into Messages
		c.preauth = c.addWaiter(isType(protocol.TypeLoginResponse))
		c.preauthInfo = c.addWaiter(isType(protocol.TypeServerInfo))
	}

	c.wg.Add(1)
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Messages delivers every inbound message not consumed by a pending
// request. It is closed when the client shuts down.
func (c *Client) Messages() <-chan protocol.Message {
	return c.messages
}

// Done is closed when the connection is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Identity returns the logged-in identity, or nil.
func (c *Client) Identity() *protocol.IdentityInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Channel returns the joined channel, if any.
func (c *Client) Channel() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == nil {
		return uuid.Nil, false
	}
	return *c.channel, true
}

// BytesSent returns the total bytes written to the connection.
func (c *Client) BytesSent() uint64 { return c.bytesSent.Load() }

// BytesReceived returns the total bytes read from the connection.
func (c *Client) BytesReceived() uint64 { return c.bytesReceived.Load() }

// Send queues a message without waiting. It fails with ErrQueueFull rather
// than block a media sender behind a slow connection.
func (c *Client) Send(msg protocol.Message) error {
	data, err := c.marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// sendWait queues a message, waiting for room.
func (c *Client) sendWait(ctx context.Context, msg protocol.Message) error {
	data, err := c.marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) marshal(msg protocol.Message) ([]byte, error) {
	frame, err := protocol.NewFrame(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", protocol.TypeName(msg.Type()), err)
	}
	return c.frameOpts.Marshal(frame)
}

// Login authenticates. On an SSH connection the server logs in on connect,
// so Login only waits for that result. It returns the identity and the
// ServerInfo that follows a successful login.
func (c *Client) Login(ctx context.Context, username, secret string) (protocol.IdentityInfo, *protocol.ServerInfoMessage, error) {
	c.mu.Lock()
	preauth, info := c.preauth, c.preauthInfo
	c.preauth, c.preauthInfo = nil, nil
	c.mu.Unlock()

	if info == nil {
		info = c.addWaiter(isType(protocol.TypeServerInfo))
	}
	defer c.removeWaiter(info)

	var resp protocol.Message
	var err error
	if preauth != nil {
		resp, err = c.wait(ctx, preauth)
	} else {
		resp, err = c.request(ctx, &protocol.LoginRequestMessage{Username: username, Secret: secret},
			isType(protocol.TypeLoginResponse))
	}
	if err != nil {
		return protocol.IdentityInfo{}, nil, err
	}

	login := resp.(*protocol.LoginResponseMessage)
	if !login.Success || login.Identity == nil {
		return protocol.IdentityInfo{}, nil, &LoginError{Reason: login.Error}
	}
	c.mu.Lock()
	ident := *login.Identity
	c.identity = &ident
	c.mu.Unlock()

	serverInfo, err := c.wait(ctx, info)
	if err != nil {
		return ident, nil, err
	}
	return ident, serverInfo.(*protocol.ServerInfoMessage), nil
}

// Join enters a channel and returns its roster. A refusal is returned as a
// *protocol.ErrorMessage.
func (c *Client) Join(ctx context.Context, channelID uuid.UUID) (*protocol.ChannelRosterMessage, error) {
	resp, err := c.request(ctx, &protocol.JoinChannelMessage{ChannelID: channelID}, func(m protocol.Message) bool {
		switch m := m.(type) {
		case *protocol.ChannelRosterMessage:
			return m.Channel.ID == channelID
		case *protocol.ErrorMessage:
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if errMsg, ok := resp.(*protocol.ErrorMessage); ok {
		return nil, errMsg
	}

	c.mu.Lock()
	c.channel = &channelID
	c.mu.Unlock()
	return resp.(*protocol.ChannelRosterMessage), nil
}

// Leave leaves the current channel. The server does not reply.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	c.channel = nil
	c.mu.Unlock()
	return c.sendWait(ctx, &protocol.LeaveChannelMessage{})
}

// SetPresence changes this identity's presence.
func (c *Client) SetPresence(ctx context.Context, presence protocol.Presence) error {
	return c.sendWait(ctx, &protocol.StatusUpdateMessage{Presence: presence})
}

// ServerInfo requests a fresh ServerInfo.
func (c *Client) ServerInfo(ctx context.Context) (*protocol.ServerInfoMessage, error) {
	resp, err := c.request(ctx, &protocol.GetServerInfoMessage{}, isType(protocol.TypeServerInfo))
	if err != nil {
		return nil, err
	}
	return resp.(*protocol.ServerInfoMessage), nil
}

// Ping measures the round trip to the server.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	ts := start.UnixNano()
	_, err := c.request(ctx, &protocol.PingMessage{Timestamp: ts}, func(m protocol.Message) bool {
		pong, ok := m.(*protocol.PongMessage)
		return ok && pong.Timestamp == ts
	})
	if err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// SendVoice sends one voice packet to the current channel.
func (c *Client) SendVoice(data []byte) error {
	return c.SendMedia(&protocol.VoiceDataMessage{MediaPayload: protocol.MediaPayload{Data: data}})
}

// SendMedia sends a media packet to the current channel. The server fills
// in sender and channel.
func (c *Client) SendMedia(msg protocol.MediaMessage) error {
	if _, ok := c.Channel(); !ok {
		return ErrNotInChannel
	}
	return c.Send(msg)
}

// StartStream announces a stream to the channel.
func (c *Client) StartStream(kind protocol.StreamKind) error {
	return c.Send(&protocol.StreamStartedMessage{StreamEvent: protocol.StreamEvent{Kind: kind}})
}

// StopStream announces the end of a stream.
func (c *Client) StopStream(kind protocol.StreamKind) error {
	return c.Send(&protocol.StreamStoppedMessage{StreamEvent: protocol.StreamEvent{Kind: kind}})
}

// Close sends a Disconnect, flushes queued frames and closes the
// connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		select {
		case c.outgoing <- c.disconnectFrame():
		default:
		}
		close(c.shutdown)
		select {
		case <-c.writerDone:
		case <-time.After(closeFlushTimeout):
			// The peer stopped reading; closing the conn unblocks the writer
			c.conn.Close()
			<-c.writerDone
		}

		err = c.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		c.wg.Wait()
		c.fail(ErrClosed)
		close(c.messages)
	})
	return err
}

func (c *Client) disconnectFrame() []byte {
	data, err := c.marshal(&protocol.DisconnectMessage{})
	if err != nil {
		return nil
	}
	return data
}

func (c *Client) request(ctx context.Context, msg protocol.Message, match func(protocol.Message) bool) (protocol.Message, error) {
	w := c.addWaiter(match)
	defer c.removeWaiter(w)

	if err := c.sendWait(ctx, msg); err != nil {
		return nil, err
	}
	return c.wait(ctx, w)
}

func (c *Client) wait(ctx context.Context, w *waiter) (protocol.Message, error) {
	select {
	case msg := <-w.ch:
		return msg, nil
	case <-c.done:
		// A response may have raced the close
		select {
		case msg := <-w.ch:
			return msg, nil
		default:
		}
		if err := c.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) addWaiter(match func(protocol.Message) bool) *waiter {
	w := &waiter{match: match, ch: make(chan protocol.Message, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w
}

func (c *Client) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// claim hands msg to the oldest matching waiter and removes it.
func (c *Client) claim(msg protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w.match(msg) {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			w.ch <- msg
			return true
		}
	}
	return false
}

func isType(msgType uint8) func(protocol.Message) bool {
	return func(m protocol.Message) bool { return m.Type() == msgType }
}

// readLoop decodes frames until the connection fails.
func (c *Client) readLoop() {
	defer c.wg.Done()

	decoder := protocol.NewDecoder(c.frameOpts)
	reader := &countingReader{r: c.conn, counter: &c.bytesReceived}
	for {
		frame, err := decoder.ReadFrame(reader)
		if err != nil {
			c.fail(err)
			return
		}
		if frame.IsKeepalive() {
			continue
		}

		msg, err := protocol.ParseFrame(frame)
		if errors.Is(err, protocol.ErrUnknownMessageType) {
			c.logger.Debug("Ignoring unknown message type", zap.Uint8("type", frame.Type))
			continue
		}
		if err != nil {
			c.fail(err)
			return
		}

		if disc, ok := msg.(*protocol.DisconnectMessage); ok && disc.Reason != nil {
			c.logger.Info("Server disconnecting", zap.String("reason", *disc.Reason))
		}
		if c.claim(msg) {
			continue
		}

		select {
		case c.messages <- msg:
		case <-c.shutdown:
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			c.err = ErrClosed
		default:
			c.err = err
		}
		close(c.done)
	}
	c.mu.Unlock()
	c.conn.Close()
}

// writeLoop sends queued frames. On shutdown it flushes what is already
// queued, then exits.
func (c *Client) writeLoop() {
	defer close(c.writerDone)

	writer := &countingWriter{w: c.conn, counter: &c.bytesSent}
	for {
		select {
		case data := <-c.outgoing:
			if err := c.write(writer, data); err != nil {
				return
			}
		case <-c.done:
			return
		case <-c.shutdown:
			for {
				select {
				case data := <-c.outgoing:
					if err := c.write(writer, data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Client) write(w io.Writer, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := w.Write(data); err != nil {
		c.logger.Debug("Write error", zap.Error(err))
		c.fail(fmt.Errorf("write: %w", err))
		return err
	}
	return nil
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
