package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize is the default upper bound on the length prefix (1 MB)
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// CompressionThreshold is the minimum payload size to consider compression (512 bytes)
	CompressionThreshold = 512

	lengthPrefixSize = 4
	frameHeaderSize  = 3 // version + type + flags
)

// Flag constants
const (
	FlagCompressed = 0x01 // Bit 0: LZ4 block compression
)

var (
	// ErrMalformedFrame is wrapped by every framing error that is fatal to a connection.
	ErrMalformedFrame = errors.New("malformed frame")

	ErrFrameTooLarge        = fmt.Errorf("%w: frame exceeds maximum size", ErrMalformedFrame)
	ErrInvalidFrameLength   = fmt.Errorf("%w: invalid frame length", ErrMalformedFrame)
	ErrDecompressionFailed  = fmt.Errorf("%w: decompression failed", ErrMalformedFrame)
	ErrInvalidCompressedLen = fmt.Errorf("%w: invalid compressed payload length", ErrMalformedFrame)

	// ErrReservedType is returned for a frame with a header whose type is
	// TypeKeepalive. That type only exists as the zero-length frame.
	ErrReservedType = fmt.Errorf("%w: type 0x00 is reserved for keepalive", ErrMalformedFrame)

	// ErrNeedMoreData is returned by Decoder.Next when the buffer holds only part of a frame.
	ErrNeedMoreData = errors.New("need more data")
)

// Frame represents a protocol frame
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
//
// A Length of zero is a keepalive: no header, no payload. It decodes to a
// Frame with Type TypeKeepalive. Type 0x00 never appears in a header.
type Frame struct {
	Version uint8  // Protocol version
	Type    uint8  // Message type
	Flags   uint8  // Flags byte (compression)
	Payload []byte // Message payload
}

// IsKeepalive reports whether f is the zero-length control frame.
func (f *Frame) IsKeepalive() bool {
	return f.Type == TypeKeepalive
}

// FrameOptions carries the limits a codec enforces. The zero value is not
// usable; start from DefaultFrameOptions.
type FrameOptions struct {
	MaxFrameSize int
	// CompressionThreshold <= 0 disables compression on encode.
	CompressionThreshold int
}

// DefaultFrameOptions is used by EncodeFrame and DecodeFrame.
var DefaultFrameOptions = FrameOptions{
	MaxFrameSize:         MaxFrameSize,
	CompressionThreshold: CompressionThreshold,
}

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// Incompressible
		return data, false
	}

	if 4+n >= len(data) {
		return data, false
	}
	return compressed[:4+n], true
}

// DecompressPayload decompresses LZ4-compressed data, refusing to allocate
// more than maxSize bytes.
func DecompressPayload(data []byte, maxSize int) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	uncompressedSize := binary.BigEndian.Uint32(data[:4])
	if int64(uncompressedSize) > int64(maxSize) {
		return nil, ErrFrameTooLarge
	}

	decompressed := make([]byte, uncompressedSize)
	n, err := lz4.UncompressBlock(data[4:], decompressed)
	if err != nil || n != int(uncompressedSize) {
		return nil, ErrDecompressionFailed
	}
	return decompressed, nil
}

// Marshal returns the complete wire form of f, compressing the payload when
// it is at least CompressionThreshold bytes and compression saves space.
func (o FrameOptions) Marshal(f *Frame) ([]byte, error) {
	if f.IsKeepalive() {
		if len(f.Payload) > 0 || f.Flags != 0 {
			return nil, ErrReservedType
		}
		return make([]byte, lengthPrefixSize), nil
	}

	payload := f.Payload
	flags := f.Flags

	if o.CompressionThreshold > 0 && len(payload) >= o.CompressionThreshold && flags&FlagCompressed == 0 {
		if compressed, ok := CompressPayload(payload); ok {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	length := frameHeaderSize + len(payload)
	if length > o.MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, lengthPrefixSize+length)
	binary.BigEndian.PutUint32(buf[:4], uint32(length))
	buf[4] = f.Version
	buf[5] = f.Type
	buf[6] = flags
	copy(buf[7:], payload)
	return buf, nil
}

// Encode writes f to w in a single Write call.
func (o FrameOptions) Encode(w io.Writer, f *Frame) error {
	buf, err := o.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// Decode reads exactly one frame from r, blocking until it is complete.
func (o FrameOptions) Decode(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if err := o.checkLength(length); err != nil {
		return nil, err
	}
	if length == 0 {
		return &Frame{Type: TypeKeepalive}, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return o.parseBody(body)
}

func (o FrameOptions) checkLength(length uint32) error {
	if int64(length) > int64(o.MaxFrameSize) {
		return fmt.Errorf("%w (%d > %d)", ErrFrameTooLarge, length, o.MaxFrameSize)
	}
	if length != 0 && length < frameHeaderSize {
		return fmt.Errorf("%w (%d)", ErrInvalidFrameLength, length)
	}
	return nil
}

// parseBody decodes the header and payload that follow a length prefix.
// body is not retained.
func (o FrameOptions) parseBody(body []byte) (*Frame, error) {
	if body[1] == TypeKeepalive {
		return nil, ErrReservedType
	}
	f := &Frame{
		Version: body[0],
		Type:    body[1],
		Flags:   body[2],
	}

	payload := body[frameHeaderSize:]
	if f.Flags&FlagCompressed != 0 {
		decompressed, err := DecompressPayload(payload, o.MaxFrameSize)
		if err != nil {
			return nil, err
		}
		f.Payload = decompressed
		f.Flags &^= FlagCompressed
		return f, nil
	}

	f.Payload = make([]byte, len(payload))
	copy(f.Payload, payload)
	return f, nil
}

// EncodeFrame writes a frame to the writer with DefaultFrameOptions.
func EncodeFrame(w io.Writer, f *Frame) error {
	return DefaultFrameOptions.Encode(w, f)
}

// DecodeFrame reads a frame from the reader with DefaultFrameOptions.
func DecodeFrame(r io.Reader) (*Frame, error) {
	return DefaultFrameOptions.Decode(r)
}

// EncodeMessage is a helper that encodes a frame to a byte slice.
func EncodeMessage(version, msgType uint8, flags uint8, payload []byte) ([]byte, error) {
	return DefaultFrameOptions.Marshal(&Frame{
		Version: version,
		Type:    msgType,
		Flags:   flags,
		Payload: payload,
	})
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}
