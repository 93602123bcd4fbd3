// Package simplemux implements a minimal length-prefixed stream multiplexer,
// enough to exercise Registrar stream caps and half-close semantics (spec
// §3 "Stream", §4.3). Grounded on the shape of the teacher's
// p2p/muxer/yamux adapter (conn.go/stream.go): a conn-level goroutine
// dispatching frames to per-stream pipes, with a dedicated frame type for
// opening new streams and for FIN/RESET signalling.
package simplemux

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/protocol"
)

const ID protocol.ID = "/simplemux/1.0.0"

type frameType uint8

const (
	frameOpen frameType = iota
	frameData
	frameFin
	frameReset
)

// Conn is a minimal muxed connection: every stream is a bidirectional pipe;
// the underlying net.Conn is framed as (type byte, streamID uint32, len
// uint32, payload).
type Conn struct {
	nc       net.Conn
	isServer bool

	mu      sync.Mutex
	streams map[uint32]*Stream
	nextID  uint32
	closed  bool

	accept chan *Stream
	writeMu sync.Mutex
	closeOnce sync.Once
	closeErr  error
	br        *bufio.Reader
}

var _ network.MuxedConn = (*Conn)(nil)

func NewConn(nc net.Conn, isServer bool) (*Conn, error) {
	c := &Conn{
		nc:       nc,
		isServer: isServer,
		streams:  make(map[uint32]*Stream),
		accept:   make(chan *Stream, 16),
		br:       bufio.NewReader(nc),
	}
	if isServer {
		c.nextID = 2
	} else {
		c.nextID = 1
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	for {
		var hdr [9]byte
		if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
			c.teardown(err)
			return
		}
		typ := frameType(hdr[0])
		sid := binary.BigEndian.Uint32(hdr[1:5])
		n := binary.BigEndian.Uint32(hdr[5:9])
		var payload []byte
		if n > 0 {
			payload = make([]byte, n)
			if _, err := io.ReadFull(c.br, payload); err != nil {
				c.teardown(err)
				return
			}
		}
		switch typ {
		case frameOpen:
			s := c.newStream(sid, false)
			select {
			case c.accept <- s:
			default:
				go func() { c.accept <- s }()
			}
		case frameData:
			c.mu.Lock()
			s := c.streams[sid]
			c.mu.Unlock()
			if s != nil {
				s.pushData(payload)
			}
		case frameFin:
			c.mu.Lock()
			s := c.streams[sid]
			c.mu.Unlock()
			if s != nil {
				s.pushEOF()
			}
		case frameReset:
			c.mu.Lock()
			s := c.streams[sid]
			c.mu.Unlock()
			if s != nil {
				s.pushReset()
			}
		}
	}
}

func (c *Conn) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()
	for _, s := range streams {
		s.pushReset()
	}
	close(c.accept)
}

func (c *Conn) newStream(id uint32, outbound bool) *Stream {
	s := &Stream{
		id:   id,
		conn: c,
		in:   make(chan []byte, 64),
		eof:  make(chan struct{}),
		rst:  make(chan struct{}),
	}
	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()
	return s
}

func (c *Conn) writeFrame(typ frameType, id uint32, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var hdr [9]byte
	hdr[0] = byte(typ)
	binary.BigEndian.PutUint32(hdr[1:5], id)
	binary.BigEndian.PutUint32(hdr[5:9], uint32(len(payload)))
	if _, err := c.nc.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.nc.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) OpenStream(_ context.Context) (network.MuxedStream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("simplemux: connection closed")
	}
	id := c.nextID
	c.nextID += 2
	c.mu.Unlock()
	s := c.newStream(id, true)
	if err := c.writeFrame(frameOpen, id, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Conn) AcceptStream() (network.MuxedStream, error) {
	s, ok := <-c.accept
	if !ok {
		return nil, errors.New("simplemux: connection closed")
	}
	return s, nil
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
		c.teardown(c.closeErr)
	})
	return c.closeErr
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Stream is one bidirectional channel multiplexed over a Conn.
type Stream struct {
	id   uint32
	conn *Conn

	in      chan []byte
	buf     []byte
	eof     chan struct{}
	rst     chan struct{}
	eofOnce sync.Once
	rstOnce sync.Once

	closeMu     sync.Mutex
	writeClosed bool
	readClosed  bool
}

var _ network.MuxedStream = (*Stream)(nil)

func (s *Stream) pushData(b []byte) { s.in <- b }
func (s *Stream) pushEOF()          { s.eofOnce.Do(func() { close(s.eof) }) }
func (s *Stream) pushReset()        { s.rstOnce.Do(func() { close(s.rst) }) }

func (s *Stream) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		select {
		case b, ok := <-s.in:
			if !ok {
				return 0, io.EOF
			}
			s.buf = b
		case <-s.eof:
			return 0, io.EOF
		case <-s.rst:
			return 0, network.ErrReset
		}
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

func (s *Stream) Write(p []byte) (int, error) {
	s.closeMu.Lock()
	closed := s.writeClosed
	s.closeMu.Unlock()
	if closed {
		return 0, fmt.Errorf("simplemux: write on closed stream")
	}
	if err := s.conn.writeFrame(frameData, s.id, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Stream) CloseWrite() error {
	s.closeMu.Lock()
	if s.writeClosed {
		s.closeMu.Unlock()
		return nil
	}
	s.writeClosed = true
	s.closeMu.Unlock()
	return s.conn.writeFrame(frameFin, s.id, nil)
}

func (s *Stream) CloseRead() error {
	s.closeMu.Lock()
	s.readClosed = true
	s.closeMu.Unlock()
	s.pushEOF()
	return nil
}

func (s *Stream) Close() error {
	_ = s.CloseWrite()
	return s.CloseRead()
}

func (s *Stream) Reset() error {
	s.pushReset()
	return s.conn.writeFrame(frameReset, s.id, nil)
}

func (s *Stream) ResetWithError(_ network.StreamErrorCode) error {
	return s.Reset()
}

func (s *Stream) SetDeadline(time.Time) error      { return nil }
func (s *Stream) SetReadDeadline(time.Time) error  { return nil }
func (s *Stream) SetWriteDeadline(time.Time) error { return nil }
