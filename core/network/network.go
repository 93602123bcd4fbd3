// Package network provides the network interfaces for libp2p: connections,
// streams, muxers, notifications, and direction/status enums.
package network

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/protocol"

	ma "github.com/multiformats/go-multiaddr"
)

// Direction represents which peer in a stream or connection initiated it.
type Direction int

const (
	DirUnknown Direction = iota
	DirInbound
	DirOutbound
)

func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "Inbound"
	case DirOutbound:
		return "Outbound"
	default:
		return "Unknown"
	}
}

// Connectedness signals the capacity for a connection with a peer.
type Connectedness int

const (
	NotConnected Connectedness = iota
	Connected
	CanConnect
	CannotConnect
	Limited
)

// ErrReset is returned when reading or writing to an already reset stream.
var ErrReset = errors.New("stream reset")

// ErrConnClosed is returned when operating on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// MuxedStream is a bidirectional io stream established over a MuxedConn.
type MuxedStream interface {
	io.Reader
	io.Writer

	// Close closes the stream for writing and reading; it sends a FIN if not
	// already sent and stops accepting further reads.
	Close() error
	// CloseWrite closes the stream for writing, flushing all data, sending a
	// FIN, but still allows reading.
	CloseWrite() error
	// CloseRead closes the stream for reading but does not free resources;
	// any further incoming data is discarded.
	CloseRead() error
	// Reset closes both ends of the stream, signalling an error to the peer.
	Reset() error
	ResetWithError(code StreamErrorCode) error

	SetDeadline(time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// StreamErrorCode is a protocol-agnostic reset error code.
type StreamErrorCode uint32

// ConnErrorCode is a protocol-agnostic connection close error code.
type ConnErrorCode uint32

// MuxedConn represents a connection that has been wrapped by a stream
// multiplexer, allowing it to be used to open/accept bidirectional streams.
type MuxedConn interface {
	io.Closer

	IsClosed() bool

	// OpenStream creates a new stream.
	OpenStream(context.Context) (MuxedStream, error)
	// AcceptStream accepts a stream opened by the other side.
	AcceptStream() (MuxedStream, error)
}

// ConnSecurity is the interface that a secure connection must implement,
// giving access to the peer identity established during the handshake.
type ConnSecurity interface {
	LocalPeer() peer.ID
	RemotePeer() peer.ID
	RemotePublicKey() crypto.PubKey
}

// ConnMultiaddrs retains addresses for a connection.
type ConnMultiaddrs interface {
	LocalMultiaddr() ma.Multiaddr
	RemoteMultiaddr() ma.Multiaddr
}

// ConnStats stores metadata pertaining to a given connection.
type ConnStats struct {
	Direction Direction
	Opened    time.Time
	// Limited is true for transient (data/duration-limited) connections,
	// e.g. those established through a relay.
	Limited    bool
	NumStreams int
}

// Stats stores metadata pertaining to a given stream.
type Stats struct {
	Direction Direction
	Opened    time.Time
}

// Conn is a connection to a remote peer, already authenticated and
// multiplexed.
type Conn interface {
	io.Closer

	ID() string
	CloseWithError(ConnErrorCode) error
	NewStream(context.Context) (Stream, error)
	GetStreams() []Stream

	ConnSecurity
	ConnMultiaddrs

	Stat() ConnStats
	IsClosed() bool
}

// Stream represents a bidirectional channel between two agents in a libp2p
// network, bound to a connection and a negotiated protocol.
type Stream interface {
	MuxedStream

	ID() string
	Protocol() protocol.ID
	SetProtocol(id protocol.ID) error

	Stat() Stats
	Conn() Conn
}

// StreamHandler handles a newly accepted (and protocol-negotiated) Stream.
type StreamHandler func(Stream)

// Notifiee is implemented by things that want to be notified about changes
// in a Network.
type Notifiee interface {
	Listen(Network, ma.Multiaddr)
	ListenClose(Network, ma.Multiaddr)
	Connected(Network, Conn)
	Disconnected(Network, Conn)
}

// Network is the interface implemented by the core connection inventory
// (swarm), used by higher level components (Host, Registrar) to dial peers
// and iterate over current connections.
type Network interface {
	io.Closer

	DialPeer(context.Context, peer.ID) (Conn, error)
	ClosePeer(peer.ID) error

	Connectedness(peer.ID) Connectedness

	Peers() []peer.ID
	Conns() []Conn
	ConnsToPeer(p peer.ID) []Conn

	Notify(Notifiee)
	StopNotify(Notifiee)

	LocalPeer() peer.ID

	NewStream(context.Context, peer.ID) (Stream, error)

	SetStreamHandler(StreamHandler)

	Listen(...ma.Multiaddr) error
	ListenAddresses() []ma.Multiaddr
	InterfaceListenAddresses() ([]ma.Multiaddr, error)
}

// AddrDelay records how long to wait before dialing a given address,
// relative to the start of the overall dial, as produced by an address
// ranking function.
type AddrDelay struct {
	Addr  ma.Multiaddr
	Delay time.Duration
}
