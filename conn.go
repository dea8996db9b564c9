package quic

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/lucidvantage/quic/transport"
)

// Conn is the application-facing handle for one QUIC connection, handed to
// a Handler's Serve method alongside the events that occurred since the
// last call.
//
// Grounded on the teacher's quic.Conn (referenced from
// cmd/quince/client.go: c.RemoteAddr(), c.Stream(id)), reconstructed here
// since the teacher's own implementation of it was not part of the
// retrieved pack.
type Conn interface {
	RemoteAddr() net.Addr
	SourceCID() []byte
	Stream(id uint64) *Stream
	OpenStream(unidirectional bool) (*Stream, error)
	Close(appErr uint64, reason string)
}

// remoteConn is the concrete Conn: one transport.Conn plus the UDP peer
// address and per-stream read buffers the ambient layer maintains since
// the sans-I/O core delivers stream data as discrete event payloads rather
// than through a pull-based Read.
type remoteConn struct {
	mu      sync.Mutex
	conn    *transport.Conn
	addr    net.Addr
	scid    []byte
	streams map[uint64]*Stream
}

func newRemoteConn(c *transport.Conn, addr net.Addr, scid []byte) *remoteConn {
	return &remoteConn{
		conn:    c,
		addr:    addr,
		scid:    scid,
		streams: make(map[uint64]*Stream),
	}
}

func (c *remoteConn) RemoteAddr() net.Addr { return c.addr }
func (c *remoteConn) SourceCID() []byte    { return c.scid }

// Stream returns the handle for id, creating the local bookkeeping for it
// on first reference (the transport layer itself tracks admission; this
// just mirrors it for the application-facing read buffer).
func (c *remoteConn) Stream(id uint64) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getOrCreateStreamLocked(id)
}

func (c *remoteConn) getOrCreateStreamLocked(id uint64) *Stream {
	st, ok := c.streams[id]
	if !ok {
		st = &Stream{id: id, conn: c}
		c.streams[id] = st
	}
	return st
}

// OpenStream allocates a new locally-initiated stream.
func (c *remoteConn) OpenStream(unidirectional bool) (*Stream, error) {
	id, err := c.conn.OpenStream(unidirectional)
	if err != nil {
		return nil, err
	}
	return c.Stream(id), nil
}

func (c *remoteConn) Close(appErr uint64, reason string) {
	c.conn.Close(true, appErr, reason)
}

// deliver appends newly-received bytes to the named stream's read buffer,
// called from the event-draining loop when a StreamDataReceived event
// arrives.
func (c *remoteConn) deliver(id uint64, data []byte, fin bool) {
	c.mu.Lock()
	st := c.getOrCreateStreamLocked(id)
	c.mu.Unlock()

	st.mu.Lock()
	st.buf.Write(data)
	if fin {
		st.eof = true
	}
	st.mu.Unlock()
}

func (c *remoteConn) resetStream(id uint64, errorCode uint64) {
	c.mu.Lock()
	st := c.getOrCreateStreamLocked(id)
	c.mu.Unlock()

	st.mu.Lock()
	st.resetErr = errorCode
	st.reset = true
	st.mu.Unlock()
}

// Stream is a single QUIC stream's application-facing read/write handle.
// Reads pull from a buffer fed by StreamDataReceived events; writes are
// handed straight to transport.Conn.SendStreamData, which owns
// retransmission and flow control.
//
// Grounded on aioquic's StreamReader/StreamWriter pair
// (asyncio/protocol.py), collapsed into one io.ReadWriteCloser since Go
// idiomatically models a duplex stream as a single type rather than a
// split reader/writer pair.
type Stream struct {
	id   uint64
	conn *remoteConn

	mu       sync.Mutex
	buf      bytes.Buffer
	eof      bool
	reset    bool
	resetErr uint64
}

// ID returns the stream's QUIC stream ID.
func (s *Stream) ID() uint64 { return s.id }

// Read satisfies io.Reader, returning io.EOF once the peer's FIN has been
// delivered and the buffer has drained.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reset {
		return 0, fmt.Errorf("quic: stream %d reset by peer, error code %d", s.id, s.resetErr)
	}
	if s.buf.Len() == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	return s.buf.Read(p)
}

// Write satisfies io.Writer, queueing data for the stream without
// signaling FIN.
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.conn.conn.SendStreamData(s.id, p, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a FIN, signaling no more data will be written.
func (s *Stream) Close() error {
	return s.conn.conn.SendStreamData(s.id, nil, true)
}
