package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/reverb/pkg/protocol"
)

// SafeConn wraps a net.Conn with write synchronization and a streaming frame
// decoder.
//
// The outbound loop and the shutdown notice may both write to the same
// connection; without the mutex their frame bytes could interleave on the
// wire. Reads happen only from the inbound loop and need no lock.
type SafeConn struct {
	conn        net.Conn
	mu          sync.Mutex // Protects writes to conn
	opts        protocol.FrameOptions
	decoder     *protocol.Decoder
	idleTimeout time.Duration
}

// NewSafeConn wraps conn. A positive idleTimeout is applied as a read
// deadline before every frame read.
func NewSafeConn(conn net.Conn, opts protocol.FrameOptions, idleTimeout time.Duration) *SafeConn {
	return &SafeConn{
		conn:        conn,
		opts:        opts,
		decoder:     protocol.NewDecoder(opts),
		idleTimeout: idleTimeout,
	}
}

// WriteFrame encodes and sends a frame.
func (sc *SafeConn) WriteFrame(frame *protocol.Frame) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.opts.Encode(sc.conn, frame)
}

// WriteBytes writes an already encoded frame. Used for broadcast deliveries
// that were marshalled once for every recipient.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err := sc.conn.Write(data)
	return err
}

// ReadFrame returns the next frame, reading from the connection only when
// the decoder has no complete frame buffered.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	if sc.idleTimeout > 0 {
		if err := sc.conn.SetReadDeadline(time.Now().Add(sc.idleTimeout)); err != nil {
			return nil, err
		}
	}
	return sc.decoder.ReadFrame(sc.conn)
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
