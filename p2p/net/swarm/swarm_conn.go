package swarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	ic "github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/transport"

	ma "github.com/multiformats/go-multiaddr"
)

// ErrConnClosed is returned when operating on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is the connection type used by swarm.
type Conn struct {
	id    uint64
	conn  transport.CapableConn
	swarm *Swarm

	closeOnce sync.Once
	err       error

	notifyLk sync.Mutex

	streams struct {
		sync.Mutex
		m map[*Stream]struct{}
	}

	stat network.ConnStats
}

var _ network.Conn = &Conn{}

func (c *Conn) IsClosed() bool { return c.conn.IsClosed() }

func (c *Conn) ID() string {
	return fmt.Sprintf("%s-%d", c.RemotePeer().String()[:10], c.id)
}

// Close closes this connection. It does not wait for close notifications to
// finish, since that would deadlock when called from within an open
// notification (all open notifications must finish before close
// notifications can fire).
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.doClose(0)
	})
	return c.err
}

func (c *Conn) CloseWithError(errCode network.ConnErrorCode) error {
	c.closeOnce.Do(func() {
		c.doClose(errCode)
	})
	return c.err
}

func (c *Conn) doClose(errCode network.ConnErrorCode) {
	c.swarm.removeConn(c)

	c.streams.Lock()
	streams := c.streams.m
	c.streams.m = nil
	c.streams.Unlock()

	if errCode != 0 {
		c.err = c.conn.CloseWithError(errCode)
	} else {
		c.err = c.conn.Close()
	}

	for s := range streams {
		s.Reset()
	}

	c.swarm.registrar.ConnectionClosed(c)

	go func() {
		c.notifyLk.Lock()
		defer c.notifyLk.Unlock()
		c.swarm.notifyAll(func(f network.Notifiee) {
			f.Disconnected(c.swarm, c)
		})
		c.swarm.refs.Done()
	}()
}

func (c *Conn) removeStream(s *Stream) {
	c.streams.Lock()
	c.stat.NumStreams--
	delete(c.streams.m, s)
	c.streams.Unlock()
}

// start launches the goroutine that accepts inbound streams and hands each
// one to the Registrar. The caller must hold a swarm ref before calling;
// this function releases it.
func (c *Conn) start() {
	go func() {
		defer c.swarm.refs.Done()
		defer c.Close()
		for {
			ts, err := c.conn.AcceptStream()
			if err != nil {
				return
			}
			c.swarm.refs.Add(1)
			go func() {
				s, err := c.addStream(ts, network.DirInbound)
				c.swarm.refs.Done()
				if err != nil {
					return
				}
				c.swarm.registrar.HandleInboundStream(s)
				s.completeAcceptStreamGoroutine()
			}()
		}
	}()
}

func (c *Conn) String() string {
	return fmt.Sprintf(
		"<swarm.Conn[%T] %s (%s) <-> %s (%s)>",
		c.conn.Transport(), c.conn.LocalMultiaddr(), c.conn.LocalPeer(),
		c.conn.RemoteMultiaddr(), c.conn.RemotePeer(),
	)
}

func (c *Conn) LocalMultiaddr() ma.Multiaddr  { return c.conn.LocalMultiaddr() }
func (c *Conn) LocalPeer() peer.ID            { return c.conn.LocalPeer() }
func (c *Conn) RemoteMultiaddr() ma.Multiaddr { return c.conn.RemoteMultiaddr() }
func (c *Conn) RemotePeer() peer.ID           { return c.conn.RemotePeer() }
func (c *Conn) RemotePublicKey() ic.PubKey    { return c.conn.RemotePublicKey() }

func (c *Conn) Stat() network.ConnStats {
	c.streams.Lock()
	defer c.streams.Unlock()
	return c.stat
}

// NewStream opens a new outbound stream on this connection. No per-protocol
// outbound cap is checked on this path: neither NewStream nor
// BasicHost.NewStream calls Registrar.AdmitOutbound, so MaxOutboundStreams
// is not enforced for streams opened here.
func (c *Conn) NewStream(ctx context.Context) (network.Stream, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultNewStreamTimeout)
		defer cancel()
	}

	s, err := c.openAndAddStream(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out: %w", err)
		}
		return nil, err
	}
	return s, nil
}

func (c *Conn) openAndAddStream(ctx context.Context) (network.Stream, error) {
	ts, err := c.conn.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return c.addStream(ts, network.DirOutbound)
}

func (c *Conn) addStream(ts network.MuxedStream, dir network.Direction) (*Stream, error) {
	c.streams.Lock()
	if c.streams.m == nil {
		c.streams.Unlock()
		ts.Reset()
		return nil, ErrConnClosed
	}

	s := &Stream{
		stream: ts,
		conn:   c,
		stat: network.Stats{
			Direction: dir,
			Opened:    time.Now(),
		},
		id:                             c.swarm.nextStreamID.Add(1),
		acceptStreamGoroutineCompleted: dir != network.DirInbound,
	}
	c.stat.NumStreams++
	c.streams.m[s] = struct{}{}

	c.swarm.refs.Add(1)

	c.streams.Unlock()
	return s, nil
}

// GetStreams returns the streams associated with this connection.
func (c *Conn) GetStreams() []network.Stream {
	c.streams.Lock()
	defer c.streams.Unlock()
	streams := make([]network.Stream, 0, len(c.streams.m))
	for s := range c.streams.m {
		streams = append(streams, s)
	}
	return streams
}
