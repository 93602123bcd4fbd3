// Package transport provides the Transport interface, which represents the
// devices and network protocols used to send and receive data (spec's
// Transport Manager collaborator, §6). Transports deal only in raw,
// unauthenticated byte connections; the Upgrader (§4.2) is what turns a
// RawConn into an authenticated, multiplexed CapableConn.
package transport

import (
	"context"
	"errors"
	"net"

	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"

	ma "github.com/multiformats/go-multiaddr"
)

// RawConn is a raw, un-upgraded transport connection: the peer address is
// known (from the dial/accept), but the remote peer's identity has not yet
// been authenticated, and no stream multiplexer is running over it.
type RawConn interface {
	net.Conn
	LocalMultiaddr() ma.Multiaddr
	RemoteMultiaddr() ma.Multiaddr
}

// CapableConn represents a connection that offers the basic capabilities
// required by libp2p: stream multiplexing, encryption, and peer
// authentication. It is produced by the Upgrader from a RawConn.
type CapableConn interface {
	network.MuxedConn
	network.ConnSecurity
	network.ConnMultiaddrs

	CloseWithError(network.ConnErrorCode) error

	// Transport returns the transport to which this connection belongs.
	Transport() Transport
}

// Transport represents any device by which you can connect to and accept
// connections from other peers. Concrete transports (TCP/WebSocket/QUIC)
// are out of the core's scope (spec §1); only this contract matters.
type Transport interface {
	// Dial dials a remote peer, returning a raw (un-upgraded) connection. p
	// may be empty if the peer id is not known ahead of time.
	Dial(ctx context.Context, raddr ma.Multiaddr, p peer.ID) (RawConn, error)

	// CanDial returns true if this transport knows how to dial the given
	// multiaddr. This is a cheap syntactic check, not a guarantee of
	// dialability.
	CanDial(addr ma.Multiaddr) bool

	// Listen listens on the passed multiaddr.
	Listen(laddr ma.Multiaddr) (Listener, error)

	// Protocols returns the multiaddr protocol codes handled by this
	// transport (e.g. the code for /tcp).
	Protocols() []int

	// Proxy returns true if this is a proxy transport (e.g. circuit relay).
	Proxy() bool

	// Tag is used as a Protocol Select token when this transport's security
	// step is negotiated in-band (used by test stand-in transports).
	Tag() string
}

// Listener resembles net.Listener, but Accept returns RawConns and it
// exposes a Multiaddr accessor.
type Listener interface {
	Accept() (RawConn, error)
	Close() error
	Addr() net.Addr
	Multiaddr() ma.Multiaddr
}

// ErrListenerClosed is returned by Listener.Accept when the listener is
// gracefully closed.
var ErrListenerClosed = errors.New("listener closed")

// Resolver can be optionally implemented by transports that want to resolve
// or transform a multiaddr before dialing (e.g. dnsaddr expansion).
type Resolver interface {
	Resolve(ctx context.Context, maddr ma.Multiaddr) ([]ma.Multiaddr, error)
}
