package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const readChunkSize = 16 * 1024

// Decoder is a pull-based frame decoder over a growable receive buffer.
// Bytes arrive through Feed in whatever pieces the transport delivers; Next
// returns a frame only once all of its bytes are buffered. Next never
// blocks and never reads from a transport.
//
// After Next returns an error wrapping ErrMalformedFrame the decoder is
// poisoned and returns the same error forever.
type Decoder struct {
	opts    FrameOptions
	buf     []byte
	off     int
	err     error
	scratch []byte
}

// NewDecoder returns a decoder enforcing opts.MaxFrameSize.
func NewDecoder(opts FrameOptions) *Decoder {
	return &Decoder{opts: opts}
}

// Feed appends p to the receive buffer. p is copied.
func (d *Decoder) Feed(p []byte) {
	if len(p) == 0 {
		return
	}
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	} else if d.off > 0 && cap(d.buf)-len(d.buf) < len(p) {
		// Compact before growing so consumed bytes don't accumulate.
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes fed but not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next returns the next complete frame, ErrNeedMoreData when the buffer
// holds only part of one, or a malformed-frame error.
func (d *Decoder) Next() (*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}

	avail := d.buf[d.off:]
	if len(avail) < lengthPrefixSize {
		return nil, ErrNeedMoreData
	}

	length := binary.BigEndian.Uint32(avail[:lengthPrefixSize])
	// Reject before waiting for the body so an oversized prefix can't make us buffer it.
	if err := d.opts.checkLength(length); err != nil {
		d.err = err
		return nil, err
	}
	if length == 0 {
		d.off += lengthPrefixSize
		return &Frame{Type: TypeKeepalive}, nil
	}

	total := lengthPrefixSize + int(length)
	if len(avail) < total {
		return nil, ErrNeedMoreData
	}

	f, err := d.opts.parseBody(avail[lengthPrefixSize:total])
	if err != nil {
		d.err = err
		return nil, err
	}
	d.off += total
	return f, nil
}

// ReadFrame returns the next frame, reading from r only when the buffer
// does not already hold a complete one.
func (d *Decoder) ReadFrame(r io.Reader) (*Frame, error) {
	for {
		f, err := d.Next()
		if !errors.Is(err, ErrNeedMoreData) {
			return f, err
		}

		if d.scratch == nil {
			d.scratch = make([]byte, readChunkSize)
		}
		n, rerr := r.Read(d.scratch)
		if n > 0 {
			d.Feed(d.scratch[:n])
		}
		if rerr != nil {
			if n > 0 {
				// Surface any frame completed by this read before the error.
				if f, err := d.Next(); err == nil {
					return f, nil
				}
			}
			if errors.Is(rerr, io.EOF) && d.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}
