// Package muxer provides stream multiplexer interfaces.
package muxer

import (
	"net"

	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/protocol"
)

// StreamMuxer wraps a net.Conn with a stream multiplexing capability.
type StreamMuxer interface {
	network.MuxedConn
}

// Multiplexer wraps an underlying transport connection and multiplexes it
// into multiple streams.
type Multiplexer interface {
	// NewConn constructs a new connection
	NewConn(c net.Conn, isServer bool) (StreamMuxer, error)
}

// Factory is the capability interface a concrete muxer plugs into the
// Upgrader through, distinguished by protocol ID during negotiation.
type Factory interface {
	ID() protocol.ID
	NewConn(c net.Conn, isServer bool) (StreamMuxer, error)
}
