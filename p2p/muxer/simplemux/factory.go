package simplemux

import (
	"net"

	"github.com/meshward/go-p2pnode/core/muxer"
	"github.com/meshward/go-p2pnode/core/protocol"
)

// TransportFactory adapts Conn to the core/muxer.Factory capability
// interface so it can be registered with the Upgrader.
type TransportFactory struct{}

var _ muxer.Factory = TransportFactory{}

func (TransportFactory) ID() protocol.ID { return ID }

func (TransportFactory) NewConn(c net.Conn, isServer bool) (muxer.StreamMuxer, error) {
	return NewConn(c, isServer)
}
