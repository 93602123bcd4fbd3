package swarm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/protocol"
)

var _ network.Stream = &Stream{}

// Stream is the stream type used by swarm.
type Stream struct {
	id uint64

	stream network.MuxedStream
	conn   *Conn

	closeMx  sync.Mutex
	isClosed bool
	// acceptStreamGoroutineCompleted indicates whether the goroutine that
	// accepted an inbound stream and ran the registrar handler has exited.
	acceptStreamGoroutineCompleted bool

	protocol atomic.Pointer[protocol.ID]

	stat network.Stats
}

func (s *Stream) ID() string {
	return fmt.Sprintf("%s-%d", s.conn.ID(), s.id)
}

func (s *Stream) String() string {
	return fmt.Sprintf(
		"<swarm.Stream[%s] %s (%s) <-> %s (%s)>",
		s.conn.conn.Transport(),
		s.conn.LocalMultiaddr(), s.conn.LocalPeer(),
		s.conn.RemoteMultiaddr(), s.conn.RemotePeer(),
	)
}

func (s *Stream) Conn() network.Conn { return s.conn }

func (s *Stream) Read(p []byte) (int, error)  { return s.stream.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.stream.Write(p) }

func (s *Stream) Close() error {
	err := s.stream.Close()
	s.closeAndRemoveStream()
	return err
}

func (s *Stream) Reset() error {
	err := s.stream.Reset()
	s.closeAndRemoveStream()
	return err
}

func (s *Stream) ResetWithError(errCode network.StreamErrorCode) error {
	err := s.stream.ResetWithError(errCode)
	s.closeAndRemoveStream()
	return err
}

func (s *Stream) closeAndRemoveStream() {
	s.closeMx.Lock()
	defer s.closeMx.Unlock()
	if s.isClosed {
		return
	}
	s.isClosed = true
	s.conn.swarm.refs.Done()
	if s.acceptStreamGoroutineCompleted {
		s.conn.removeStream(s)
	}
}

func (s *Stream) CloseWrite() error { return s.stream.CloseWrite() }
func (s *Stream) CloseRead() error  { return s.stream.CloseRead() }

func (s *Stream) completeAcceptStreamGoroutine() {
	s.closeMx.Lock()
	defer s.closeMx.Unlock()
	if s.acceptStreamGoroutineCompleted {
		return
	}
	s.acceptStreamGoroutineCompleted = true
	if s.isClosed {
		s.conn.removeStream(s)
	}
}

// Protocol returns the protocol negotiated on this stream, if set.
func (s *Stream) Protocol() protocol.ID {
	p := s.protocol.Load()
	if p == nil {
		return ""
	}
	return *p
}

// SetProtocol records the protocol negotiated for this stream. It is the
// caller's (Registrar's) job to actually run Protocol Select.
func (s *Stream) SetProtocol(p protocol.ID) error {
	s.protocol.Store(&p)
	return nil
}

func (s *Stream) SetDeadline(t time.Time) error      { return s.stream.SetDeadline(t) }
func (s *Stream) SetReadDeadline(t time.Time) error  { return s.stream.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.stream.SetWriteDeadline(t) }

func (s *Stream) Stat() network.Stats { return s.stat }
