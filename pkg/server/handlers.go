package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/aeolun/reverb/pkg/hub"
	"github.com/aeolun/reverb/pkg/protocol"
	"github.com/aeolun/reverb/pkg/registry"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClientDisconnecting is returned when client sends graceful disconnect
	ErrClientDisconnecting = errors.New("client disconnecting")

	// ErrDirectQueueFull is returned by trySend when the session's direct
	// queue has no room
	ErrDirectQueueFull = errors.New("direct queue full")
)

// runSession runs the inbound and outbound loops of a session until either
// fails, then tears the session down.
func (s *Server) runSession(sess *Session, preauth *string) {
	defer s.teardown(sess)

	g, ctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		if preauth != nil {
			if err := s.admitPreauthenticated(ctx, sess, *preauth); err != nil {
				return err
			}
		}
		return s.inboundLoop(ctx, sess)
	})
	g.Go(func() error {
		return s.outboundLoop(ctx, sess)
	})
	g.Go(func() error {
		// Unblocks a pending read or write once either loop has finished
		<-ctx.Done()
		sess.Conn.Close()
		return nil
	})

	err := g.Wait()
	s.disconnectionsSinceReport.Add(1)
	switch {
	case errors.Is(err, ErrClientDisconnecting):
		sess.logger.Debug("Session disconnected gracefully")
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		sess.logger.Debug("Client disconnected")
	case errors.Is(err, protocol.ErrMalformedFrame), errors.Is(err, protocol.ErrInvalidPayload):
		sess.logger.Info("Closing session after protocol error", zap.Error(err))
	default:
		sess.logger.Debug("Session ended", zap.Error(err))
	}
}

// teardown releases everything a session holds. It runs exactly once no
// matter which loop failed.
func (s *Server) teardown(sess *Session) {
	sess.closeOnce.Do(func() {
		ident, sub := sess.markClosed()
		if sub != nil {
			sub.Close()
		}
		if ident != nil {
			if left, ok := s.registry.RemoveIdentity(ident.ID); ok {
				s.publish(left, ident.ID, &protocol.MemberLeftMessage{ChannelID: left, IdentityID: ident.ID})
			}
		}
		s.sessions.RemoveSession(sess.ID)
	})
}

// inboundLoop reads and dispatches frames until the connection fails.
func (s *Server) inboundLoop(ctx context.Context, sess *Session) error {
	for {
		frame, err := sess.Conn.ReadFrame()
		if err != nil {
			return err
		}

		size := frameSize(frame)
		sess.framesIn.Add(1)
		sess.bytesIn.Add(uint64(size))
		s.metrics.RecordMessageReceived(frame.Type, size)

		if err := s.handleMessage(ctx, sess, frame); err != nil {
			return err
		}
	}
}

// outboundLoop writes the session's direct frames and channel deliveries.
func (s *Server) outboundLoop(ctx context.Context, sess *Session) error {
	var batch []hub.Delivery
	for {
		// Re-read on every pass: a join or leave swaps the subscription
		var ready, subDone <-chan struct{}
		sub := sess.subscription()
		if sub != nil {
			ready, subDone = sub.Ready(), sub.Done()
		}

		select {
		case <-ctx.Done():
			return nil
		case d := <-sess.direct:
			if err := s.write(sess, d); err != nil {
				return err
			}
		case <-ready:
			batch = sub.Drain(batch[:0])
			for _, d := range batch {
				if err := s.write(sess, d); err != nil {
					return err
				}
			}
			clear(batch)
		case <-subDone:
			// Closed by a leave or by the broker; wait for the next swap
			select {
			case <-sess.resub:
			case <-ctx.Done():
				return nil
			case d := <-sess.direct:
				if err := s.write(sess, d); err != nil {
					return err
				}
			}
		case <-sess.resub:
		}
	}
}

func (s *Server) write(sess *Session, d hub.Delivery) error {
	if err := sess.Conn.WriteBytes(d.Frame); err != nil {
		return err
	}
	sess.framesOut.Add(1)
	sess.bytesOut.Add(uint64(len(d.Frame)))
	s.metrics.RecordMessageSent(d.Type, len(d.Frame))
	return nil
}

func frameSize(f *protocol.Frame) int {
	if f.IsKeepalive() {
		return 4
	}
	return 7 + len(f.Payload)
}

// handleMessage dispatches a frame to the appropriate handler. Unknown types
// and keepalives are ignored; a body that fails to decode ends the session.
func (s *Server) handleMessage(ctx context.Context, sess *Session, frame *protocol.Frame) error {
	if frame.IsKeepalive() {
		return nil
	}

	msg, err := protocol.ParseFrame(frame)
	if errors.Is(err, protocol.ErrUnknownMessageType) {
		sess.logger.Debug("Ignoring unknown message type", zap.Uint8("type", frame.Type))
		return nil
	}
	if err != nil {
		return err
	}

	// Allowed in any state
	switch m := msg.(type) {
	case *protocol.PingMessage:
		return s.handlePing(ctx, sess, m)
	case *protocol.DisconnectMessage:
		return s.handleDisconnect(sess, m)
	case *protocol.LoginRequestMessage:
		return s.handleLoginRequest(ctx, sess, m)
	case protocol.MediaMessage:
		s.handleMedia(sess, m)
		return nil
	}

	if sess.Identity() == nil {
		return s.sendError(ctx, sess, protocol.ErrCodeAuthRequired, "authentication required")
	}

	switch m := msg.(type) {
	case *protocol.JoinChannelMessage:
		return s.handleJoinChannel(ctx, sess, m)
	case *protocol.LeaveChannelMessage:
		return s.handleLeaveChannel(sess, m)
	case *protocol.StatusUpdateMessage:
		return s.handleStatusUpdate(ctx, sess, m)
	case *protocol.GetServerInfoMessage:
		return s.sendMessage(ctx, sess, s.serverInfoMessage())
	case *protocol.StreamStartedMessage:
		s.handleStreamEvent(sess, m, &m.StreamEvent)
		return nil
	case *protocol.StreamStoppedMessage:
		s.handleStreamEvent(sess, m, &m.StreamEvent)
		return nil
	default:
		// Server-to-client types have no meaning here
		sess.logger.Debug("Ignoring unexpected message", zap.String("type", protocol.TypeName(msg.Type())))
		return nil
	}
}

func (s *Server) handlePing(ctx context.Context, sess *Session, msg *protocol.PingMessage) error {
	return s.sendMessage(ctx, sess, &protocol.PongMessage{Timestamp: msg.Timestamp})
}

// handleDisconnect handles graceful client disconnect
func (s *Server) handleDisconnect(sess *Session, msg *protocol.DisconnectMessage) error {
	if msg.Reason != nil {
		sess.logger.Debug("Client sent disconnect", zap.String("reason", *msg.Reason))
	}
	return ErrClientDisconnecting
}

func (s *Server) handleLoginRequest(ctx context.Context, sess *Session, msg *protocol.LoginRequestMessage) error {
	if sess.Identity() != nil {
		return s.sendMessage(ctx, sess, &protocol.LoginResponseMessage{Error: "already authenticated"})
	}

	ident, err := s.registry.Authenticate(ctx, msg.Username, msg.Secret)
	if err != nil {
		s.metrics.RecordAuthFailure()
		sess.logger.Info("Login rejected", zap.String("username", msg.Username), zap.Error(err))
		return s.sendMessage(ctx, sess, &protocol.LoginResponseMessage{Error: loginFailureReason(err)})
	}
	return s.completeLogin(ctx, sess, ident)
}

// admitPreauthenticated logs in a transport-verified username. A refusal is
// reported to the client, which stays connected and may log in normally.
func (s *Server) admitPreauthenticated(ctx context.Context, sess *Session, username string) error {
	ident, err := s.registry.Admit(username)
	if err != nil {
		sess.logger.Info("Preauthenticated login rejected", zap.String("username", username), zap.Error(err))
		return s.sendMessage(ctx, sess, &protocol.LoginResponseMessage{Error: loginFailureReason(err)})
	}
	return s.completeLogin(ctx, sess, ident)
}

func (s *Server) completeLogin(ctx context.Context, sess *Session, ident registry.Identity) error {
	if !sess.authenticate(ident) {
		s.registry.RemoveIdentity(ident.ID)
		return net.ErrClosed
	}
	sess.logger = sess.logger.With(zap.String("user", ident.Username))
	sess.logger.Debug("Authenticated")

	info := ident.Info()
	if err := s.sendMessage(ctx, sess, &protocol.LoginResponseMessage{Success: true, Identity: &info}); err != nil {
		return err
	}
	return s.sendMessage(ctx, sess, s.serverInfoMessage())
}

func loginFailureReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrAlreadyConnected):
		return "already connected"
	case errors.Is(err, registry.ErrAuthFailed):
		return "invalid credentials"
	default:
		return "authentication unavailable"
	}
}

func (s *Server) handleJoinChannel(ctx context.Context, sess *Session, msg *protocol.JoinChannelMessage) error {
	ident := sess.Identity()

	if _, ok := s.registry.Channel(msg.ChannelID); !ok {
		return s.sendError(ctx, sess, protocol.ErrCodeChannelNotFound, "channel not found")
	}

	if current, in := sess.Channel(); in && current == msg.ChannelID {
		roster, err := s.registry.Roster(current)
		if err != nil {
			return s.sendError(ctx, sess, protocol.ErrCodeChannelNotFound, "channel not found")
		}
		return s.sendMessage(ctx, sess, rosterMessage(roster))
	}

	// Subscribe before the registry move so nothing published after the
	// roster is missed.
	sub := s.broker.Open(msg.ChannelID).Subscribe(ident.ID)
	roster, err := s.registry.JoinChannel(ident.ID, msg.ChannelID)
	if err != nil {
		sub.Close()
		if errors.Is(err, registry.ErrChannelNotFound) {
			// Removed after the check above; Open may have recreated its hub
			s.broker.CloseHub(msg.ChannelID)
			return s.sendError(ctx, sess, protocol.ErrCodeChannelNotFound, "channel not found")
		}
		return fmt.Errorf("join channel: %w", err)
	}

	// The registry no longer lists the identity in the old channel, so a
	// roster fetched there from now on agrees with this MemberLeft.
	s.leaveCurrentChannel(sess, ident.ID)
	if !sess.enterChannel(msg.ChannelID, sub) {
		sub.Close()
		return net.ErrClosed
	}
	if _, ok := s.registry.Channel(msg.ChannelID); !ok {
		// RemoveChannel evicted the identity mid-join; its sweep sends the
		// MemberLeft.
		if _, stale, ok := sess.leaveChannelIf(isChannel(msg.ChannelID)); ok {
			stale.Close()
		}
		return s.sendError(ctx, sess, protocol.ErrCodeChannelNotFound, "channel not found")
	}
	sess.logger.Debug("Joined channel", zap.String("channel", roster.Channel.Name))

	if err := s.sendMessage(ctx, sess, rosterMessage(roster)); err != nil {
		return err
	}

	self, found := lo.Find(roster.Members, func(m registry.Identity) bool { return m.ID == ident.ID })
	if !found {
		self = *ident
	}
	s.publish(msg.ChannelID, ident.ID, &protocol.MemberJoinedMessage{ChannelID: msg.ChannelID, Identity: self.Info()})
	return nil
}

// handleLeaveChannel leaves the current channel. A request naming another
// channel, or arriving outside any channel, is a no-op.
func (s *Server) handleLeaveChannel(sess *Session, msg *protocol.LeaveChannelMessage) error {
	current, in := sess.Channel()
	if !in {
		return nil
	}
	if msg.ChannelID != nil && *msg.ChannelID != current {
		return nil
	}

	ident := sess.Identity()
	s.registry.LeaveChannel(ident.ID)
	s.leaveCurrentChannel(sess, ident.ID)
	return nil
}

func isChannel(id uuid.UUID) func(uuid.UUID) bool {
	return func(channelID uuid.UUID) bool { return channelID == id }
}

// leaveCurrentChannel drops the session's subscription and tells the old
// channel. Callers update the registry first.
func (s *Server) leaveCurrentChannel(sess *Session, identityID uuid.UUID) {
	channelID, sub, ok := sess.leaveChannel()
	if !ok {
		return
	}
	sub.Close()
	s.publish(channelID, identityID, &protocol.MemberLeftMessage{ChannelID: channelID, IdentityID: identityID})
}

func (s *Server) handleStatusUpdate(ctx context.Context, sess *Session, msg *protocol.StatusUpdateMessage) error {
	ident := sess.Identity()
	if err := s.registry.SetPresence(ident.ID, msg.Presence); err != nil {
		if errors.Is(err, registry.ErrInvalidPresence) {
			return s.sendError(ctx, sess, protocol.ErrCodeInvalidInput, "invalid presence")
		}
		return fmt.Errorf("set presence: %w", err)
	}

	if channelID, in := sess.Channel(); in {
		s.publish(channelID, ident.ID, &protocol.StatusUpdateMessage{IdentityID: ident.ID, Presence: msg.Presence})
	}
	return nil
}

// handleMedia stamps sender and channel and relays the payload. Outside a
// channel it is dropped silently.
func (s *Server) handleMedia(sess *Session, msg protocol.MediaMessage) {
	channelID, in := sess.Channel()
	if !in {
		return
	}
	ident := sess.Identity()

	media := msg.Media()
	media.SenderID = ident.ID
	media.ChannelID = channelID
	s.publish(channelID, ident.ID, msg)
}

func (s *Server) handleStreamEvent(sess *Session, msg protocol.Message, event *protocol.StreamEvent) {
	channelID, in := sess.Channel()
	if !in {
		return
	}
	ident := sess.Identity()
	event.IdentityID = ident.ID
	s.publish(channelID, ident.ID, msg)
}

// publish encodes msg once and fans it out to the channel, skipping sender.
func (s *Server) publish(channelID, sender uuid.UUID, msg protocol.Message) {
	h, ok := s.broker.Hub(channelID)
	if !ok {
		return
	}
	data, err := s.marshal(msg)
	if err != nil {
		s.logger.Error("Failed to encode broadcast", zap.String("type", protocol.TypeName(msg.Type())), zap.Error(err))
		return
	}
	h.Publish(sender, hub.Delivery{Sender: sender, Type: msg.Type(), Frame: data})
}

func (s *Server) marshal(msg protocol.Message) ([]byte, error) {
	frame, err := protocol.NewFrame(msg)
	if err != nil {
		return nil, err
	}
	return s.config.FrameOptions.Marshal(frame)
}

// sendMessage queues a message for this session only. It blocks while the
// direct queue is full and gives up when the session ends.
func (s *Server) sendMessage(ctx context.Context, sess *Session, msg protocol.Message) error {
	data, err := s.marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", protocol.TypeName(msg.Type()), err)
	}

	select {
	case sess.direct <- hub.Delivery{Type: msg.Type(), Frame: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues a message for this session without waiting. It is used
// from outside the session's own goroutines.
func (s *Server) trySend(sess *Session, msg protocol.Message) error {
	data, err := s.marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", protocol.TypeName(msg.Type()), err)
	}

	select {
	case sess.direct <- hub.Delivery{Type: msg.Type(), Frame: data}:
		return nil
	default:
		return ErrDirectQueueFull
	}
}

// sendError sends an ERROR message to a session
func (s *Server) sendError(ctx context.Context, sess *Session, code uint32, message string) error {
	return s.sendMessage(ctx, sess, &protocol.ErrorMessage{Code: code, Message: message})
}

func rosterMessage(roster registry.Roster) *protocol.ChannelRosterMessage {
	return &protocol.ChannelRosterMessage{
		Channel: roster.Channel.Info(),
		Members: lo.Map(roster.Members, func(m registry.Identity, _ int) protocol.IdentityInfo { return m.Info() }),
	}
}

func (s *Server) serverInfoMessage() *protocol.ServerInfoMessage {
	snap := s.registry.Snapshot()
	return &protocol.ServerInfoMessage{
		ID:          s.serverID,
		Name:        s.config.ServerName,
		Description: s.config.ServerDesc,
		Channels:    lo.Map(snap.Channels, func(c registry.Channel, _ int) protocol.ChannelInfo { return c.Info() }),
		Identities:  lo.Map(snap.Identities, func(i registry.Identity, _ int) protocol.IdentityInfo { return i.Info() }),
	}
}
