// Package memory implements an in-process Transport over Go channels,
// addressed as /memory/<id>, used by the two-node test harness described in
// spec §8. Grounded on the teacher's transport interface contract
// (core/transport/transport.go) and the test-harness style of
// p2p/test/transport/gating_test.go.
package memory

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/transport"

	ma "github.com/multiformats/go-multiaddr"
)

var protoMemory = ma.Protocol{
	Name:       "memory",
	Code:       0x3f42,
	VCode:      ma.CodeToVarint(0x3f42),
	Size:       ma.LengthPrefixedVarSize,
	Transcoder: ma.NewTranscoderFromFunctions(memoryStrToBytes, memoryBytesToStr, nil),
}

func memoryStrToBytes(s string) ([]byte, error) { return []byte(s), nil }
func memoryBytesToStr(b []byte) (string, error) { return string(b), nil }

func init() {
	_ = ma.AddProtocol(protoMemory)
}

// registry is the process-wide (but test-process-local) map of listening
// memory addresses to their listener. This is the one piece of shared state
// the memory transport needs, analogous to how a real OS kernel brokers TCP
// listen addresses; it is not a general-purpose resolver table.
var registry = struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}{listeners: make(map[string]*Listener)}

// Transport dials and listens on /memory/<id> addresses.
type Transport struct {
	localID peer.ID
}

var _ transport.Transport = (*Transport)(nil)

func New(id peer.ID) *Transport {
	return &Transport{localID: id}
}

func (t *Transport) Tag() string { return "memory" }

func (t *Transport) Protocols() []int { return []int{protoMemory.Code} }

func (t *Transport) Proxy() bool { return false }

func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	_, err := addr.ValueForProtocol(protoMemory.Code)
	return err == nil
}

func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr, p peer.ID) (transport.RawConn, error) {
	addrStr, err := raddr.ValueForProtocol(protoMemory.Code)
	if err != nil {
		return nil, err
	}
	registry.mu.Lock()
	l, ok := registry.listeners[addrStr]
	registry.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory: no listener on %s", addrStr)
	}
	clientConn, serverConn := net.Pipe()
	select {
	case l.incoming <- serverConn:
	case <-ctx.Done():
		clientConn.Close()
		serverConn.Close()
		return nil, ctx.Err()
	case <-l.closed:
		clientConn.Close()
		serverConn.Close()
		return nil, transport.ErrListenerClosed
	}
	local, _ := ma.NewMultiaddr(fmt.Sprintf("/memory/%s-dial-%p", addrStr, clientConn))
	return newRawConn(clientConn, local, raddr), nil
}

func (t *Transport) Listen(laddr ma.Multiaddr) (transport.Listener, error) {
	addrStr, err := laddr.ValueForProtocol(protoMemory.Code)
	if err != nil {
		return nil, err
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.listeners[addrStr]; exists {
		return nil, fmt.Errorf("memory: address already in use: %s", addrStr)
	}
	l := &Listener{
		addr:     laddr,
		incoming: make(chan net.Conn, 16),
		closed:   make(chan struct{}),
		t:        t,
	}
	registry.listeners[addrStr] = l
	return l, nil
}

// Listener accepts raw net.Pipe connections dialed to its address.
type Listener struct {
	addr      ma.Multiaddr
	incoming  chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
	t         *Transport
}

var _ transport.Listener = (*Listener)(nil)

func (l *Listener) Accept() (transport.RawConn, error) {
	select {
	case c, ok := <-l.incoming:
		if !ok {
			return nil, transport.ErrListenerClosed
		}
		return newRawConn(c, l.addr, nil), nil
	case <-l.closed:
		return nil, transport.ErrListenerClosed
	}
}

func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		addrStr, _ := l.addr.ValueForProtocol(protoMemory.Code)
		registry.mu.Lock()
		delete(registry.listeners, addrStr)
		registry.mu.Unlock()
		close(l.closed)
	})
	return nil
}

func (l *Listener) Addr() net.Addr          { return memAddr(l.addr.String()) }
func (l *Listener) Multiaddr() ma.Multiaddr { return l.addr }

type memAddr string

func (a memAddr) Network() string { return "memory" }
func (a memAddr) String() string  { return string(a) }

// rawConn is the un-upgraded connection handed to the Upgrader: a net.Conn
// wrapped with its multiaddrs.
type rawConn struct {
	net.Conn
	local, remote ma.Multiaddr
}

func newRawConn(c net.Conn, local, remote ma.Multiaddr) *rawConn {
	return &rawConn{Conn: c, local: local, remote: remote}
}

func (c *rawConn) LocalMultiaddr() ma.Multiaddr  { return c.local }
func (c *rawConn) RemoteMultiaddr() ma.Multiaddr { return c.remote }

var _ transport.RawConn = (*rawConn)(nil)
