package protocol

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/google/uuid"
)

// MaxStringLength bounds any length-prefixed string or byte field.
const MaxStringLength = MaxFrameSize

var (
	ErrStringTooLong    = errors.New("string exceeds maximum length")
	ErrFieldOutOfBounds = errors.New("field length exceeds remaining payload")
	ErrInvalidBool      = errors.New("invalid boolean value")
	ErrInvalidPresent   = errors.New("invalid optional presence marker")
)

// remaining is implemented by *bytes.Reader and *bytes.Buffer. Length
// prefixes are checked against it so a hostile prefix can't force a large
// allocation.
type remaining interface {
	Len() int
}

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func WriteInt64(w io.Writer, v int64) error {
	return WriteUint64(w, uint64(v))
}

func ReadInt64(r io.Reader) (int64, error) {
	v, err := ReadUint64(r)
	return int64(v), err
}

func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteUint8(w, 1)
	}
	return WriteUint8(w, 0)
}

func ReadBool(r io.Reader) (bool, error) {
	v, err := ReadUint8(r)
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidBool
	}
}

// WriteBytes writes a u32 length prefix followed by the bytes.
func WriteBytes(w io.Writer, b []byte) error {
	if len(b) > MaxStringLength {
		return ErrStringTooLong
	}
	if err := WriteUint32(w, uint32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxStringLength {
		return nil, ErrStringTooLong
	}
	if n == 0 {
		return nil, nil
	}
	if rem, ok := r.(remaining); ok && int(n) > rem.Len() {
		return nil, ErrFieldOutOfBounds
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteString writes a u16 length prefix followed by UTF-8 bytes.
func WriteString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return ErrStringTooLong
	}
	if err := WriteUint16(w, uint16(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	if rem, ok := r.(remaining); ok && int(n) > rem.Len() {
		return "", ErrFieldOutOfBounds
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", err
		}
	}
	return string(b), nil
}

func WriteUUID(w io.Writer, id uuid.UUID) error {
	_, err := w.Write(id[:])
	return err
}

func ReadUUID(r io.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	if _, err := io.ReadFull(r, id[:]); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// Optional fields are a presence byte (0 or 1) followed by the value.

func WriteOptionalString(w io.Writer, s *string) error {
	if s == nil {
		return WriteUint8(w, 0)
	}
	if err := WriteUint8(w, 1); err != nil {
		return err
	}
	return WriteString(w, *s)
}

func ReadOptionalString(r io.Reader) (*string, error) {
	present, err := readPresence(r)
	if err != nil || !present {
		return nil, err
	}
	s, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func WriteOptionalUUID(w io.Writer, id *uuid.UUID) error {
	if id == nil {
		return WriteUint8(w, 0)
	}
	if err := WriteUint8(w, 1); err != nil {
		return err
	}
	return WriteUUID(w, *id)
}

func ReadOptionalUUID(r io.Reader) (*uuid.UUID, error) {
	present, err := readPresence(r)
	if err != nil || !present {
		return nil, err
	}
	id, err := ReadUUID(r)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func readPresence(r io.Reader) (bool, error) {
	v, err := ReadUint8(r)
	if err != nil {
		return false, err
	}
	switch v {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, ErrInvalidPresent
	}
}
