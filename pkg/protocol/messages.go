package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Message is implemented by every variant of the closed message set.
type Message interface {
	// Type returns the wire type code
	Type() uint8
	// EncodeTo serializes the message body directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the message body from bytes
	Decode(payload []byte) error
}

// TypeKeepalive is the type reported for a zero-length frame.
const TypeKeepalive = 0x00

// Message type constants (Client → Server)
const (
	TypeLoginRequest  = 0x01
	TypeJoinChannel   = 0x02
	TypeLeaveChannel  = 0x03
	TypeStatusUpdate  = 0x04
	TypeGetServerInfo = 0x05
	TypePing          = 0x10
	TypeDisconnect    = 0x11
)

// Media and stream events (both directions)
const (
	TypeVoiceData       = 0x20
	TypeVideoData       = 0x21
	TypeScreenShareData = 0x22
	TypeStreamStarted   = 0x23
	TypeStreamStopped   = 0x24
)

// Message type constants (Server → Client)
const (
	TypeLoginResponse = 0x81
	TypeChannelRoster = 0x82
	TypeMemberJoined  = 0x83
	TypeMemberLeft    = 0x84
	TypeServerInfo    = 0x85
	TypePong          = 0x90
	TypeError         = 0x91
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat   = 1000
	ErrCodeUnsupportedType = 1001
	ErrCodeInvalidFrame    = 1002

	// Authentication errors (2xxx)
	ErrCodeAuthRequired         = 2000
	ErrCodeAlreadyAuthenticated = 2001

	// Resource errors (4xxx)
	ErrCodeChannelNotFound = 4001
	ErrCodeNotInChannel    = 4005

	// Limit errors (5xxx)
	ErrCodeServerFull = 5002

	// Validation errors (6xxx)
	ErrCodeInvalidInput = 6000

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidPayload     = errors.New("invalid message payload")
	ErrInvalidPresence    = errors.New("invalid presence value")
	ErrInvalidStreamKind  = errors.New("invalid stream kind")
	ErrTooManyEntries     = errors.New("list exceeds maximum entries")
)

// Presence is an identity's availability.
type Presence uint8

const (
	PresenceOnline Presence = iota
	PresenceAway
	PresenceDoNotDisturb
	PresenceOffline
)

func (p Presence) String() string {
	switch p {
	case PresenceOnline:
		return "online"
	case PresenceAway:
		return "away"
	case PresenceDoNotDisturb:
		return "dnd"
	case PresenceOffline:
		return "offline"
	default:
		return fmt.Sprintf("presence(%d)", uint8(p))
	}
}

func (p Presence) Valid() bool {
	return p <= PresenceOffline
}

// StreamKind identifies a media stream.
type StreamKind uint8

const (
	StreamVoice StreamKind = iota
	StreamVideo
	StreamScreenShare
)

func (k StreamKind) String() string {
	switch k {
	case StreamVoice:
		return "voice"
	case StreamVideo:
		return "video"
	case StreamScreenShare:
		return "screen_share"
	default:
		return fmt.Sprintf("stream(%d)", uint8(k))
	}
}

func (k StreamKind) Valid() bool {
	return k <= StreamScreenShare
}

// IdentityInfo is the wire form of an identity.
type IdentityInfo struct {
	ID       uuid.UUID
	Username string
	Presence Presence
}

func writeIdentity(w io.Writer, id IdentityInfo) error {
	if err := WriteUUID(w, id.ID); err != nil {
		return err
	}
	if err := WriteString(w, id.Username); err != nil {
		return err
	}
	return WriteUint8(w, uint8(id.Presence))
}

func readIdentity(r io.Reader) (IdentityInfo, error) {
	var info IdentityInfo
	id, err := ReadUUID(r)
	if err != nil {
		return info, err
	}
	username, err := ReadString(r)
	if err != nil {
		return info, err
	}
	presence, err := ReadUint8(r)
	if err != nil {
		return info, err
	}
	if !Presence(presence).Valid() {
		return info, ErrInvalidPresence
	}
	info.ID = id
	info.Username = username
	info.Presence = Presence(presence)
	return info, nil
}

// ChannelInfo is the wire form of a channel.
type ChannelInfo struct {
	ID          uuid.UUID
	Name        string
	Description *string
	ParentID    *uuid.UUID
	MemberIDs   []uuid.UUID
}

func writeChannel(w io.Writer, ch ChannelInfo) error {
	if err := WriteUUID(w, ch.ID); err != nil {
		return err
	}
	if err := WriteString(w, ch.Name); err != nil {
		return err
	}
	if err := WriteOptionalString(w, ch.Description); err != nil {
		return err
	}
	if err := WriteOptionalUUID(w, ch.ParentID); err != nil {
		return err
	}
	if err := writeCount(w, len(ch.MemberIDs)); err != nil {
		return err
	}
	for _, id := range ch.MemberIDs {
		if err := WriteUUID(w, id); err != nil {
			return err
		}
	}
	return nil
}

func readChannel(r io.Reader) (ChannelInfo, error) {
	var ch ChannelInfo
	id, err := ReadUUID(r)
	if err != nil {
		return ch, err
	}
	name, err := ReadString(r)
	if err != nil {
		return ch, err
	}
	description, err := ReadOptionalString(r)
	if err != nil {
		return ch, err
	}
	parentID, err := ReadOptionalUUID(r)
	if err != nil {
		return ch, err
	}
	count, err := ReadUint16(r)
	if err != nil {
		return ch, err
	}
	var members []uuid.UUID
	for i := 0; i < int(count); i++ {
		memberID, err := ReadUUID(r)
		if err != nil {
			return ch, err
		}
		members = append(members, memberID)
	}

	ch.ID = id
	ch.Name = name
	ch.Description = description
	ch.ParentID = parentID
	ch.MemberIDs = members
	return ch, nil
}

func writeCount(w io.Writer, n int) error {
	if n > 0xFFFF {
		return ErrTooManyEntries
	}
	return WriteUint16(w, uint16(n))
}

// LoginRequestMessage (0x01) - Authenticate with username and secret
type LoginRequestMessage struct {
	Username string
	Secret   string
}

func (m *LoginRequestMessage) Type() uint8 { return TypeLoginRequest }

func (m *LoginRequestMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	return WriteString(w, m.Secret)
}

func (m *LoginRequestMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return err
	}
	secret, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Username = username
	m.Secret = secret
	return nil
}

// LoginResponseMessage (0x81) - Result of a login attempt
type LoginResponseMessage struct {
	Success  bool
	Identity *IdentityInfo // Present when Success=true
	Error    string        // Reason when Success=false
}

func (m *LoginResponseMessage) Type() uint8 { return TypeLoginResponse }

func (m *LoginResponseMessage) EncodeTo(w io.Writer) error {
	if err := WriteBool(w, m.Success); err != nil {
		return err
	}
	if m.Identity == nil {
		if err := WriteUint8(w, 0); err != nil {
			return err
		}
	} else {
		if err := WriteUint8(w, 1); err != nil {
			return err
		}
		if err := writeIdentity(w, *m.Identity); err != nil {
			return err
		}
	}
	return WriteString(w, m.Error)
}

func (m *LoginResponseMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	success, err := ReadBool(buf)
	if err != nil {
		return err
	}
	hasIdentity, err := readPresence(buf)
	if err != nil {
		return err
	}
	var identity *IdentityInfo
	if hasIdentity {
		info, err := readIdentity(buf)
		if err != nil {
			return err
		}
		identity = &info
	}
	reason, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Success = success
	m.Identity = identity
	m.Error = reason
	return nil
}

// JoinChannelMessage (0x02) - Join a channel, leaving the current one
type JoinChannelMessage struct {
	ChannelID uuid.UUID
}

func (m *JoinChannelMessage) Type() uint8 { return TypeJoinChannel }

func (m *JoinChannelMessage) EncodeTo(w io.Writer) error {
	return WriteUUID(w, m.ChannelID)
}

func (m *JoinChannelMessage) Decode(payload []byte) error {
	id, err := ReadUUID(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.ChannelID = id
	return nil
}

// LeaveChannelMessage (0x03) - Leave a channel. A nil ChannelID means the
// current one.
type LeaveChannelMessage struct {
	ChannelID *uuid.UUID
}

func (m *LeaveChannelMessage) Type() uint8 { return TypeLeaveChannel }

func (m *LeaveChannelMessage) EncodeTo(w io.Writer) error {
	return WriteOptionalUUID(w, m.ChannelID)
}

func (m *LeaveChannelMessage) Decode(payload []byte) error {
	if len(payload) == 0 {
		m.ChannelID = nil
		return nil
	}
	id, err := ReadOptionalUUID(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.ChannelID = id
	return nil
}

// StatusUpdateMessage (0x04) - Presence change
type StatusUpdateMessage struct {
	IdentityID uuid.UUID
	Presence   Presence
}

func (m *StatusUpdateMessage) Type() uint8 { return TypeStatusUpdate }

func (m *StatusUpdateMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.IdentityID); err != nil {
		return err
	}
	return WriteUint8(w, uint8(m.Presence))
}

func (m *StatusUpdateMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	id, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	presence, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	if !Presence(presence).Valid() {
		return ErrInvalidPresence
	}

	m.IdentityID = id
	m.Presence = Presence(presence)
	return nil
}

// GetServerInfoMessage (0x05) - Request a ServerInfo
type GetServerInfoMessage struct{}

func (m *GetServerInfoMessage) Type() uint8 { return TypeGetServerInfo }

func (m *GetServerInfoMessage) EncodeTo(w io.Writer) error { return nil }

func (m *GetServerInfoMessage) Decode(payload []byte) error { return nil }

// PingMessage (0x10) - Heartbeat. An empty body is a ping with timestamp 0.
type PingMessage struct {
	Timestamp int64
}

func (m *PingMessage) Type() uint8 { return TypePing }

func (m *PingMessage) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.Timestamp)
}

func (m *PingMessage) Decode(payload []byte) error {
	ts, err := decodeTimestamp(payload)
	if err != nil {
		return err
	}
	m.Timestamp = ts
	return nil
}

// PongMessage (0x90) - Ping response echoing the ping's timestamp
type PongMessage struct {
	Timestamp int64
}

func (m *PongMessage) Type() uint8 { return TypePong }

func (m *PongMessage) EncodeTo(w io.Writer) error {
	return WriteInt64(w, m.Timestamp)
}

func (m *PongMessage) Decode(payload []byte) error {
	ts, err := decodeTimestamp(payload)
	if err != nil {
		return err
	}
	m.Timestamp = ts
	return nil
}

func decodeTimestamp(payload []byte) (int64, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	return ReadInt64(bytes.NewReader(payload))
}

// DisconnectMessage (0x11) - Graceful disconnect, sent by either side
type DisconnectMessage struct {
	Reason *string
}

func (m *DisconnectMessage) Type() uint8 { return TypeDisconnect }

func (m *DisconnectMessage) EncodeTo(w io.Writer) error {
	return WriteOptionalString(w, m.Reason)
}

func (m *DisconnectMessage) Decode(payload []byte) error {
	if len(payload) == 0 {
		m.Reason = nil
		return nil
	}
	reason, err := ReadOptionalString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Reason = reason
	return nil
}

// MediaPayload is the body shared by every media variant. The relay treats
// Data as opaque and overwrites SenderID and ChannelID before fan-out.
type MediaPayload struct {
	SenderID  uuid.UUID
	ChannelID uuid.UUID
	Data      []byte
}

func (m *MediaPayload) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.SenderID); err != nil {
		return err
	}
	if err := WriteUUID(w, m.ChannelID); err != nil {
		return err
	}
	return WriteBytes(w, m.Data)
}

func (m *MediaPayload) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sender, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	channel, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	data, err := ReadBytes(buf)
	if err != nil {
		return err
	}

	m.SenderID = sender
	m.ChannelID = channel
	m.Data = data
	return nil
}

// Media returns the shared payload, letting handlers treat every media
// variant alike.
func (m *MediaPayload) Media() *MediaPayload { return m }

// VoiceDataMessage (0x20) - Opaque voice chunk
type VoiceDataMessage struct{ MediaPayload }

func (m *VoiceDataMessage) Type() uint8 { return TypeVoiceData }

// VideoDataMessage (0x21) - Opaque video chunk
type VideoDataMessage struct{ MediaPayload }

func (m *VideoDataMessage) Type() uint8 { return TypeVideoData }

// ScreenShareDataMessage (0x22) - Opaque screen share chunk
type ScreenShareDataMessage struct{ MediaPayload }

func (m *ScreenShareDataMessage) Type() uint8 { return TypeScreenShareData }

// MediaMessage is implemented by the three media variants.
type MediaMessage interface {
	Message
	Media() *MediaPayload
}

// StreamEvent is the body of StreamStarted and StreamStopped.
type StreamEvent struct {
	IdentityID uuid.UUID
	Kind       StreamKind
}

func (m *StreamEvent) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.IdentityID); err != nil {
		return err
	}
	return WriteUint8(w, uint8(m.Kind))
}

func (m *StreamEvent) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	id, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	kind, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	if !StreamKind(kind).Valid() {
		return ErrInvalidStreamKind
	}

	m.IdentityID = id
	m.Kind = StreamKind(kind)
	return nil
}

func (m *StreamEvent) Event() *StreamEvent { return m }

// StreamStartedMessage (0x23) - A member started a media stream
type StreamStartedMessage struct{ StreamEvent }

func (m *StreamStartedMessage) Type() uint8 { return TypeStreamStarted }

// StreamStoppedMessage (0x24) - A member stopped a media stream
type StreamStoppedMessage struct{ StreamEvent }

func (m *StreamStoppedMessage) Type() uint8 { return TypeStreamStopped }

// ChannelRosterMessage (0x82) - Channel description and current members,
// sent to a client after it joins
type ChannelRosterMessage struct {
	Channel ChannelInfo
	Members []IdentityInfo
}

func (m *ChannelRosterMessage) Type() uint8 { return TypeChannelRoster }

func (m *ChannelRosterMessage) EncodeTo(w io.Writer) error {
	if err := writeChannel(w, m.Channel); err != nil {
		return err
	}
	if err := writeCount(w, len(m.Members)); err != nil {
		return err
	}
	for _, member := range m.Members {
		if err := writeIdentity(w, member); err != nil {
			return err
		}
	}
	return nil
}

func (m *ChannelRosterMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	channel, err := readChannel(buf)
	if err != nil {
		return err
	}
	members, err := readIdentities(buf)
	if err != nil {
		return err
	}

	m.Channel = channel
	m.Members = members
	return nil
}

func readIdentities(r io.Reader) ([]IdentityInfo, error) {
	count, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	var out []IdentityInfo
	for i := 0; i < int(count); i++ {
		info, err := readIdentity(r)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// MemberJoinedMessage (0x83) - Someone joined the recipient's channel
type MemberJoinedMessage struct {
	ChannelID uuid.UUID
	Identity  IdentityInfo
}

func (m *MemberJoinedMessage) Type() uint8 { return TypeMemberJoined }

func (m *MemberJoinedMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.ChannelID); err != nil {
		return err
	}
	return writeIdentity(w, m.Identity)
}

func (m *MemberJoinedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	channelID, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	identity, err := readIdentity(buf)
	if err != nil {
		return err
	}

	m.ChannelID = channelID
	m.Identity = identity
	return nil
}

// MemberLeftMessage (0x84) - Someone left the recipient's channel
type MemberLeftMessage struct {
	ChannelID  uuid.UUID
	IdentityID uuid.UUID
}

func (m *MemberLeftMessage) Type() uint8 { return TypeMemberLeft }

func (m *MemberLeftMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.ChannelID); err != nil {
		return err
	}
	return WriteUUID(w, m.IdentityID)
}

func (m *MemberLeftMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	channelID, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	identityID, err := ReadUUID(buf)
	if err != nil {
		return err
	}

	m.ChannelID = channelID
	m.IdentityID = identityID
	return nil
}

// ServerInfoMessage (0x85) - Server description with every channel and known identity
type ServerInfoMessage struct {
	ID          uuid.UUID
	Name        string
	Description *string
	Channels    []ChannelInfo
	Identities  []IdentityInfo
}

func (m *ServerInfoMessage) Type() uint8 { return TypeServerInfo }

func (m *ServerInfoMessage) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.ID); err != nil {
		return err
	}
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	if err := WriteOptionalString(w, m.Description); err != nil {
		return err
	}
	if err := writeCount(w, len(m.Channels)); err != nil {
		return err
	}
	for _, ch := range m.Channels {
		if err := writeChannel(w, ch); err != nil {
			return err
		}
	}
	if err := writeCount(w, len(m.Identities)); err != nil {
		return err
	}
	for _, identity := range m.Identities {
		if err := writeIdentity(w, identity); err != nil {
			return err
		}
	}
	return nil
}

func (m *ServerInfoMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	id, err := ReadUUID(buf)
	if err != nil {
		return err
	}
	name, err := ReadString(buf)
	if err != nil {
		return err
	}
	description, err := ReadOptionalString(buf)
	if err != nil {
		return err
	}
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	var channels []ChannelInfo
	for i := 0; i < int(count); i++ {
		ch, err := readChannel(buf)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}
	identities, err := readIdentities(buf)
	if err != nil {
		return err
	}

	m.ID = id
	m.Name = name
	m.Description = description
	m.Channels = channels
	m.Identities = identities
	return nil
}

// ErrorMessage (0x91) - Generic error response
type ErrorMessage struct {
	Code    uint32
	Message string
}

func (m *ErrorMessage) Type() uint8 { return TypeError }

func (m *ErrorMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint32(w, m.Code); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Code = code
	m.Message = message
	return nil
}

func (m *ErrorMessage) Error() string {
	return fmt.Sprintf("error %d: %s", m.Code, m.Message)
}

// Encode serializes a message body.
func Encode(m Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// NewFrame wraps an encoded message in a frame at the current protocol version.
func NewFrame(m Message) (*Frame, error) {
	payload, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version: ProtocolVersion,
		Type:    m.Type(),
		Payload: payload,
	}, nil
}

// New returns an empty message for a type code, or nil when the type is
// not part of the message set.
func New(msgType uint8) Message {
	switch msgType {
	case TypeLoginRequest:
		return &LoginRequestMessage{}
	case TypeLoginResponse:
		return &LoginResponseMessage{}
	case TypeJoinChannel:
		return &JoinChannelMessage{}
	case TypeLeaveChannel:
		return &LeaveChannelMessage{}
	case TypeStatusUpdate:
		return &StatusUpdateMessage{}
	case TypeGetServerInfo:
		return &GetServerInfoMessage{}
	case TypePing:
		return &PingMessage{}
	case TypePong:
		return &PongMessage{}
	case TypeDisconnect:
		return &DisconnectMessage{}
	case TypeVoiceData:
		return &VoiceDataMessage{}
	case TypeVideoData:
		return &VideoDataMessage{}
	case TypeScreenShareData:
		return &ScreenShareDataMessage{}
	case TypeStreamStarted:
		return &StreamStartedMessage{}
	case TypeStreamStopped:
		return &StreamStoppedMessage{}
	case TypeChannelRoster:
		return &ChannelRosterMessage{}
	case TypeMemberJoined:
		return &MemberJoinedMessage{}
	case TypeMemberLeft:
		return &MemberLeftMessage{}
	case TypeServerInfo:
		return &ServerInfoMessage{}
	case TypeError:
		return &ErrorMessage{}
	default:
		return nil
	}
}

// ParseFrame decodes a frame's payload into its message variant. Types
// outside the message set return ErrUnknownMessageType; callers that want
// forward compatibility skip those frames.
func ParseFrame(f *Frame) (Message, error) {
	msg := New(f.Type)
	if msg == nil {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownMessageType, f.Type)
	}
	if err := msg.Decode(f.Payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, TypeName(f.Type), err)
	}
	return msg, nil
}

// TypeName returns a stable lowercase name for logging and metric labels.
func TypeName(msgType uint8) string {
	switch msgType {
	case TypeKeepalive:
		return "keepalive"
	case TypeLoginRequest:
		return "login_request"
	case TypeLoginResponse:
		return "login_response"
	case TypeJoinChannel:
		return "join_channel"
	case TypeLeaveChannel:
		return "leave_channel"
	case TypeStatusUpdate:
		return "status_update"
	case TypeGetServerInfo:
		return "get_server_info"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeDisconnect:
		return "disconnect"
	case TypeVoiceData:
		return "voice_data"
	case TypeVideoData:
		return "video_data"
	case TypeScreenShareData:
		return "screen_share_data"
	case TypeStreamStarted:
		return "stream_started"
	case TypeStreamStopped:
		return "stream_stopped"
	case TypeChannelRoster:
		return "channel_roster"
	case TypeMemberJoined:
		return "member_joined"
	case TypeMemberLeft:
		return "member_left"
	case TypeServerInfo:
		return "server_info"
	case TypeError:
		return "error"
	default:
		return "unknown"
	}
}

// Compile-time interface checks
var (
	// Client → Server messages
	_ Message = (*LoginRequestMessage)(nil)
	_ Message = (*JoinChannelMessage)(nil)
	_ Message = (*LeaveChannelMessage)(nil)
	_ Message = (*StatusUpdateMessage)(nil)
	_ Message = (*GetServerInfoMessage)(nil)
	_ Message = (*PingMessage)(nil)
	_ Message = (*DisconnectMessage)(nil)

	// Media and stream events
	_ MediaMessage = (*VoiceDataMessage)(nil)
	_ MediaMessage = (*VideoDataMessage)(nil)
	_ MediaMessage = (*ScreenShareDataMessage)(nil)
	_ Message      = (*StreamStartedMessage)(nil)
	_ Message      = (*StreamStoppedMessage)(nil)

	// Server → Client messages
	_ Message = (*LoginResponseMessage)(nil)
	_ Message = (*ChannelRosterMessage)(nil)
	_ Message = (*MemberJoinedMessage)(nil)
	_ Message = (*MemberLeftMessage)(nil)
	_ Message = (*ServerInfoMessage)(nil)
	_ Message = (*PongMessage)(nil)
	_ Message = (*ErrorMessage)(nil)
)
