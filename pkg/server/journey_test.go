package server

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/reverb/pkg/auth"
	"github.com/aeolun/reverb/pkg/protocol"
	"github.com/aeolun/reverb/pkg/registry"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const journeyTimeout = 3 * time.Second

// ---------------------------------------------------------------------------
// Transport abstraction
// ---------------------------------------------------------------------------

// transportClient provides a uniform interface for sending/receiving protocol
// messages over TCP, SSH, or WebSocket connections.
type transportClient interface {
	// send encodes and sends a protocol message.
	send(t *testing.T, msg protocol.Message)
	// sendRaw writes bytes as-is, for malformed input.
	sendRaw(t *testing.T, data []byte)
	// expect reads the next frame and asserts that its type matches.
	expect(t *testing.T, expectedType uint8, timeout time.Duration) protocol.Message
	// tryRead attempts to read one frame within timeout. Returns nil if
	// nothing arrived (no fatal on timeout).
	tryRead(t *testing.T, timeout time.Duration) *protocol.Frame
	// closed reports whether the server closed the connection within timeout.
	closed(timeout time.Duration) bool
	// preauthenticated reports whether the transport logs in on connect.
	preauthenticated() bool
	// close tears down the connection.
	close()
}

func encodeFrame(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	frame, err := protocol.NewFrame(msg)
	if err != nil {
		t.Fatalf("encode %s: %v", protocol.TypeName(msg.Type()), err)
	}
	data, err := protocol.DefaultFrameOptions.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal %s: %v", protocol.TypeName(msg.Type()), err)
	}
	return data
}

func checkFrame(t *testing.T, transport string, frame *protocol.Frame, expectedType uint8) protocol.Message {
	t.Helper()
	if frame.Type != expectedType {
		t.Fatalf("%s expected %s, got %s", transport, protocol.TypeName(expectedType), protocol.TypeName(frame.Type))
	}
	msg, err := protocol.ParseFrame(frame)
	if err != nil {
		t.Fatalf("%s parse %s: %v", transport, protocol.TypeName(frame.Type), err)
	}
	return msg
}

// ---------------------------------------------------------------------------
// Persistent reader
//
// SSH channels don't support deadlines and a gorilla/websocket read deadline
// that fires corrupts the connection, so both use a single reader goroutine
// that feeds decoded frames into a buffered channel.
// ---------------------------------------------------------------------------

type frameReader struct {
	frames chan *protocol.Frame
	errors chan error
	done   chan struct{}
}

func startFrameReader(next func() (*protocol.Frame, error)) *frameReader {
	fr := &frameReader{
		frames: make(chan *protocol.Frame, 256),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(fr.done)
		for {
			frame, err := next()
			if err != nil {
				fr.errors <- err
				return
			}
			fr.frames <- frame
		}
	}()
	return fr
}

func (fr *frameReader) expect(t *testing.T, transport string, expectedType uint8, timeout time.Duration) protocol.Message {
	t.Helper()
	select {
	case frame := <-fr.frames:
		return checkFrame(t, transport, frame, expectedType)
	case err := <-fr.errors:
		t.Fatalf("%s expect %s: read error: %v", transport, protocol.TypeName(expectedType), err)
	case <-time.After(timeout):
		t.Fatalf("%s expect %s: timeout after %v", transport, protocol.TypeName(expectedType), timeout)
	}
	return nil
}

func (fr *frameReader) tryRead(timeout time.Duration) *protocol.Frame {
	select {
	case frame := <-fr.frames:
		return frame
	case <-time.After(timeout):
		return nil
	}
}

func (fr *frameReader) closed(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case <-fr.frames:
		case <-fr.errors:
			return true
		case <-deadline:
			return false
		}
	}
}

// ---------------------------------------------------------------------------
// TCP transport
// ---------------------------------------------------------------------------

type tcpClient struct {
	conn      net.Conn
	decoder   *protocol.Decoder
	closeOnce sync.Once
}

func newTCPClient(t *testing.T, addr string) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("TCP connect to %s failed: %v", addr, err)
	}
	return &tcpClient{conn: conn, decoder: protocol.NewDecoder(protocol.DefaultFrameOptions)}
}

func (c *tcpClient) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	c.sendRaw(t, encodeFrame(t, msg))
}

func (c *tcpClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		t.Fatalf("TCP send: %v", err)
	}
}

func (c *tcpClient) expect(t *testing.T, expectedType uint8, timeout time.Duration) protocol.Message {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := c.decoder.ReadFrame(c.conn)
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		t.Fatalf("TCP expect %s: read error: %v", protocol.TypeName(expectedType), err)
	}
	return checkFrame(t, "TCP", frame, expectedType)
}

func (c *tcpClient) tryRead(t *testing.T, timeout time.Duration) *protocol.Frame {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := c.decoder.ReadFrame(c.conn)
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil
	}
	return frame
}

func (c *tcpClient) closed(timeout time.Duration) bool {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		_, err := c.decoder.ReadFrame(c.conn)
		if err == nil {
			continue
		}
		var netErr net.Error
		return !(errors.As(err, &netErr) && netErr.Timeout())
	}
}

func (c *tcpClient) preauthenticated() bool { return false }

func (c *tcpClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// ---------------------------------------------------------------------------
// SSH transport
// ---------------------------------------------------------------------------

type sshClient struct {
	*frameReader
	client    *ssh.Client
	channel   ssh.Channel
	closeOnce sync.Once
}

func dialSSH(addr, username, password string) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	return ssh.Dial("tcp", addr, config)
}

func newSSHClient(t *testing.T, addr, username string) *sshClient {
	t.Helper()

	client, err := dialSSH(addr, username, "secret")
	if err != nil {
		t.Fatalf("SSH dial %s: %v", addr, err)
	}
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		t.Fatalf("SSH open channel: %v", err)
	}
	go ssh.DiscardRequests(requests)

	decoder := protocol.NewDecoder(protocol.DefaultFrameOptions)
	return &sshClient{
		frameReader: startFrameReader(func() (*protocol.Frame, error) { return decoder.ReadFrame(channel) }),
		client:      client,
		channel:     channel,
	}
}

func (c *sshClient) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	c.sendRaw(t, encodeFrame(t, msg))
}

func (c *sshClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	if _, err := c.channel.Write(data); err != nil {
		t.Fatalf("SSH send: %v", err)
	}
}

func (c *sshClient) expect(t *testing.T, expectedType uint8, timeout time.Duration) protocol.Message {
	t.Helper()
	return c.frameReader.expect(t, "SSH", expectedType, timeout)
}

func (c *sshClient) tryRead(t *testing.T, timeout time.Duration) *protocol.Frame {
	return c.frameReader.tryRead(timeout)
}

func (c *sshClient) preauthenticated() bool { return true }

func (c *sshClient) close() {
	c.closeOnce.Do(func() {
		c.channel.Close()
		c.client.Close()
		// Wait for reader goroutine to exit (channel close unblocks the read)
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// WebSocket transport
// ---------------------------------------------------------------------------

type wsClient struct {
	*frameReader
	conn      *websocket.Conn
	closeOnce sync.Once
}

func newWSClient(t *testing.T, addr string) *wsClient {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", addr)
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket dial %s: %v", url, err)
	}

	// Messages are fed to a decoder, so frames may span messages
	decoder := protocol.NewDecoder(protocol.DefaultFrameOptions)
	next := func() (*protocol.Frame, error) {
		for {
			frame, err := decoder.Next()
			if !errors.Is(err, protocol.ErrNeedMoreData) {
				return frame, err
			}
			_, data, err := conn.ReadMessage()
			if err != nil {
				return nil, err
			}
			decoder.Feed(data)
		}
	}

	return &wsClient{frameReader: startFrameReader(next), conn: conn}
}

func (c *wsClient) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	c.sendRaw(t, encodeFrame(t, msg))
}

func (c *wsClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("WS send: %v", err)
	}
}

func (c *wsClient) expect(t *testing.T, expectedType uint8, timeout time.Duration) protocol.Message {
	t.Helper()
	return c.frameReader.expect(t, "WS", expectedType, timeout)
}

func (c *wsClient) tryRead(t *testing.T, timeout time.Duration) *protocol.Frame {
	return c.frameReader.tryRead(timeout)
}

func (c *wsClient) preauthenticated() bool { return false }

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type journeyServers struct {
	srv     *Server
	tcpAddr string
	sshAddr string
	wsAddr  string
}

// setupJourneyServer starts a server with TCP, SSH and WebSocket listeners
// on random ports. Metrics go to a private registry so tests don't collide.
func setupJourneyServer(t *testing.T, authn auth.Authenticator, mutate ...func(*ServerConfig)) *journeyServers {
	t.Helper()
	return setupJourneyServerWithOptions(t, authn, nil, mutate...)
}

func setupJourneyServerWithOptions(t *testing.T, authn auth.Authenticator, opts []Option, mutate ...func(*ServerConfig)) *journeyServers {
	t.Helper()

	config := DefaultConfig()
	config.TCPPort = 0
	config.SSHPort = 0
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.MetricsInterval = 0
	config.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")
	for _, m := range mutate {
		m(&config)
	}
	if authn == nil {
		authn = auth.AcceptAll{}
	}

	reg := prometheus.NewRegistry()
	opts = append([]Option{
		WithPrometheus(reg, reg),
		WithRegistryOptions(registry.WithInvariantChecks()),
	}, opts...)
	srv, err := NewServer(config, authn, zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tcpAddr := srv.Addr().String()

	if err := srv.startSSHServer("127.0.0.1:0"); err != nil {
		srv.Stop()
		t.Fatalf("SSH start: %v", err)
	}
	sshAddr := srv.sshListener.Addr().String()

	wsServer := httptest.NewServer(srv.PublicHandler())

	t.Cleanup(func() {
		srv.Stop()
		wsServer.Close()
	})

	return &journeyServers{
		srv:     srv,
		tcpAddr: tcpAddr,
		sshAddr: sshAddr,
		wsAddr:  strings.TrimPrefix(wsServer.URL, "http://"),
	}
}

func (s *journeyServers) channelID(t *testing.T, name string) uuid.UUID {
	t.Helper()
	ch, ok := s.srv.Registry().ChannelByName(name)
	if !ok {
		t.Fatalf("channel %q not seeded", name)
	}
	return ch.ID
}

// ---------------------------------------------------------------------------
// Transport factories
// ---------------------------------------------------------------------------

type transportFactory struct {
	name    string
	connect func(t *testing.T, servers *journeyServers, username string) transportClient
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, s *journeyServers, _ string) transportClient { return newTCPClient(t, s.tcpAddr) }},
		{"ssh", func(t *testing.T, s *journeyServers, u string) transportClient { return newSSHClient(t, s.sshAddr, u) }},
		{"websocket", func(t *testing.T, s *journeyServers, _ string) transportClient { return newWSClient(t, s.wsAddr) }},
	}
}

// login connects as username and consumes LoginResponse and ServerInfo.
func login(t *testing.T, servers *journeyServers, tf transportFactory, username string) (transportClient, protocol.IdentityInfo) {
	t.Helper()
	c := tf.connect(t, servers, username)
	t.Cleanup(c.close)

	if !c.preauthenticated() {
		c.send(t, &protocol.LoginRequestMessage{Username: username, Secret: "secret"})
	}
	resp := c.expect(t, protocol.TypeLoginResponse, journeyTimeout).(*protocol.LoginResponseMessage)
	if !resp.Success || resp.Identity == nil {
		t.Fatalf("%s login %s failed: %q", tf.name, username, resp.Error)
	}
	if resp.Identity.Username != username {
		t.Fatalf("%s login: got identity %q, want %q", tf.name, resp.Identity.Username, username)
	}
	c.expect(t, protocol.TypeServerInfo, journeyTimeout)
	return c, *resp.Identity
}

func join(t *testing.T, c transportClient, channelID uuid.UUID) *protocol.ChannelRosterMessage {
	t.Helper()
	c.send(t, &protocol.JoinChannelMessage{ChannelID: channelID})
	roster := c.expect(t, protocol.TypeChannelRoster, journeyTimeout).(*protocol.ChannelRosterMessage)
	if roster.Channel.ID != channelID {
		t.Fatalf("roster for %s, want %s", roster.Channel.ID, channelID)
	}
	return roster
}

func expectSilence(t *testing.T, c transportClient, name string, window time.Duration) {
	t.Helper()
	if frame := c.tryRead(t, window); frame != nil {
		t.Fatalf("%s: unexpected %s", name, protocol.TypeName(frame.Type))
	}
}

// ---------------------------------------------------------------------------
// Journey tests
// ---------------------------------------------------------------------------

func TestJourney(t *testing.T) {
	for _, tf := range allTransports() {
		t.Run(tf.name, func(t *testing.T) {
			servers := setupJourneyServer(t, nil)
			runVoiceRelayJourney(t, servers, tf)
		})
	}
}

// runVoiceRelayJourney: alice joins General, bob joins and is announced,
// alice's voice reaches bob but not alice, bob's departure is announced.
func runVoiceRelayJourney(t *testing.T, servers *journeyServers, tf transportFactory) {
	general := servers.channelID(t, "General")

	alice, aliceInfo := login(t, servers, tf, "alice")
	roster := join(t, alice, general)
	if len(roster.Members) != 1 || roster.Members[0].ID != aliceInfo.ID {
		t.Fatalf("alice roster: %+v", roster.Members)
	}

	bob, bobInfo := login(t, servers, tf, "bob")
	roster = join(t, bob, general)
	if len(roster.Members) != 2 {
		t.Fatalf("bob roster: want 2 members, got %d", len(roster.Members))
	}
	// Members are sorted by username
	if roster.Members[0].Username != "alice" || roster.Members[1].Username != "bob" {
		t.Fatalf("bob roster order: %s, %s", roster.Members[0].Username, roster.Members[1].Username)
	}

	joined := alice.expect(t, protocol.TypeMemberJoined, journeyTimeout).(*protocol.MemberJoinedMessage)
	if joined.Identity.ID != bobInfo.ID || joined.ChannelID != general {
		t.Fatalf("alice saw join of %s in %s", joined.Identity.Username, joined.ChannelID)
	}

	// Sender and channel are stamped by the server
	alice.send(t, &protocol.VoiceDataMessage{MediaPayload: protocol.MediaPayload{
		SenderID: uuid.New(),
		Data:     []byte{0x01, 0x02, 0x03},
	}})
	voice := bob.expect(t, protocol.TypeVoiceData, journeyTimeout).(*protocol.VoiceDataMessage)
	if voice.SenderID != aliceInfo.ID || voice.ChannelID != general {
		t.Fatalf("voice stamped with sender %s channel %s", voice.SenderID, voice.ChannelID)
	}
	if !bytes.Equal(voice.Data, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("voice data: %x", voice.Data)
	}
	expectSilence(t, alice, "alice", 150*time.Millisecond)

	bob.close()
	left := alice.expect(t, protocol.TypeMemberLeft, journeyTimeout).(*protocol.MemberLeftMessage)
	if left.IdentityID != bobInfo.ID || left.ChannelID != general {
		t.Fatalf("alice saw %s leave %s", left.IdentityID, left.ChannelID)
	}

	ident, ok := servers.srv.Registry().Identity(bobInfo.ID)
	if !ok || ident.Presence != protocol.PresenceOffline {
		t.Fatalf("bob after disconnect: %+v", ident)
	}
}

func TestCrossTransportBroadcast(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	transports := allTransports()
	general := servers.channelID(t, "General")

	alice, aliceInfo := login(t, servers, transports[0], "alice")
	join(t, alice, general)

	bob, _ := login(t, servers, transports[1], "bob")
	join(t, bob, general)
	alice.expect(t, protocol.TypeMemberJoined, journeyTimeout)

	carol, _ := login(t, servers, transports[2], "carol")
	join(t, carol, general)
	alice.expect(t, protocol.TypeMemberJoined, journeyTimeout)
	bob.expect(t, protocol.TypeMemberJoined, journeyTimeout)

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	alice.send(t, &protocol.ScreenShareDataMessage{MediaPayload: protocol.MediaPayload{Data: payload}})

	for name, c := range map[string]transportClient{"bob": bob, "carol": carol} {
		msg := c.expect(t, protocol.TypeScreenShareData, journeyTimeout).(*protocol.ScreenShareDataMessage)
		if msg.SenderID != aliceInfo.ID || !bytes.Equal(msg.Data, payload) {
			t.Fatalf("%s got screen share from %s (%d bytes)", name, msg.SenderID, len(msg.Data))
		}
	}
	expectSilence(t, alice, "alice", 150*time.Millisecond)
}

func TestJourneyChannelSwitch(t *testing.T) {
	for _, tf := range allTransports() {
		t.Run(tf.name, func(t *testing.T) {
			servers := setupJourneyServer(t, nil)
			general := servers.channelID(t, "General")
			gaming := servers.channelID(t, "Gaming")

			alice, aliceInfo := login(t, servers, tf, "alice")
			join(t, alice, general)
			bob, _ := login(t, servers, tf, "bob")
			join(t, bob, general)
			alice.expect(t, protocol.TypeMemberJoined, journeyTimeout)

			// Switching leaves General first
			roster := join(t, alice, gaming)
			if len(roster.Members) != 1 {
				t.Fatalf("gaming roster: %d members", len(roster.Members))
			}
			left := bob.expect(t, protocol.TypeMemberLeft, journeyTimeout).(*protocol.MemberLeftMessage)
			if left.IdentityID != aliceInfo.ID || left.ChannelID != general {
				t.Fatalf("bob saw %s leave %s", left.IdentityID, left.ChannelID)
			}

			// Voice in General no longer reaches alice
			bob.send(t, &protocol.VoiceDataMessage{MediaPayload: protocol.MediaPayload{Data: []byte{1}}})
			expectSilence(t, alice, "alice", 150*time.Millisecond)

			// Explicit leave of the current channel
			alice.send(t, &protocol.LeaveChannelMessage{})
			expectSilence(t, alice, "alice", 100*time.Millisecond)
			if _, ok := servers.srv.Registry().Identity(aliceInfo.ID); !ok {
				t.Fatal("alice vanished from registry")
			}
			gamingCh, _ := servers.srv.Registry().Channel(gaming)
			if len(gamingCh.Members) != 0 {
				t.Fatalf("gaming still has %d members", len(gamingCh.Members))
			}
		})
	}
}

func TestJourneyStreamAndStatus(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	tf := allTransports()[0]
	general := servers.channelID(t, "General")

	alice, aliceInfo := login(t, servers, tf, "alice")
	join(t, alice, general)
	bob, _ := login(t, servers, tf, "bob")
	join(t, bob, general)
	alice.expect(t, protocol.TypeMemberJoined, journeyTimeout)

	alice.send(t, &protocol.StreamStartedMessage{StreamEvent: protocol.StreamEvent{Kind: protocol.StreamVoice}})
	started := bob.expect(t, protocol.TypeStreamStarted, journeyTimeout).(*protocol.StreamStartedMessage)
	if started.IdentityID != aliceInfo.ID || started.Kind != protocol.StreamVoice {
		t.Fatalf("stream started: %+v", started.StreamEvent)
	}

	alice.send(t, &protocol.StatusUpdateMessage{Presence: protocol.PresenceAway})
	status := bob.expect(t, protocol.TypeStatusUpdate, journeyTimeout).(*protocol.StatusUpdateMessage)
	if status.IdentityID != aliceInfo.ID || status.Presence != protocol.PresenceAway {
		t.Fatalf("status update: %+v", status)
	}

	// Offline is reserved for disconnects
	alice.send(t, &protocol.StatusUpdateMessage{Presence: protocol.PresenceOffline})
	errMsg := alice.expect(t, protocol.TypeError, journeyTimeout).(*protocol.ErrorMessage)
	if errMsg.Code != protocol.ErrCodeInvalidInput {
		t.Fatalf("offline presence: got code %d", errMsg.Code)
	}

	alice.send(t, &protocol.StreamStoppedMessage{StreamEvent: protocol.StreamEvent{Kind: protocol.StreamVoice}})
	bob.expect(t, protocol.TypeStreamStopped, journeyTimeout)
}
