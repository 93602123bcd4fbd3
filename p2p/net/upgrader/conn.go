package upgrader

import (
	"time"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/transport"

	ma "github.com/multiformats/go-multiaddr"
)

// upgradedConn is the concrete transport.CapableConn produced by Upgrade.
type upgradedConn struct {
	network.MuxedConn

	raw       transport.RawConn
	local     ma.Multiaddr
	remote    ma.Multiaddr
	localID   peer.ID
	remoteID  peer.ID
	remotePub crypto.PubKey
	direction network.Direction
	opened    time.Time
	transport transport.Transport
}

var _ transport.CapableConn = (*upgradedConn)(nil)

func (c *upgradedConn) LocalMultiaddr() ma.Multiaddr  { return c.local }
func (c *upgradedConn) RemoteMultiaddr() ma.Multiaddr { return c.remote }
func (c *upgradedConn) LocalPeer() peer.ID            { return c.localID }
func (c *upgradedConn) RemotePeer() peer.ID           { return c.remoteID }
func (c *upgradedConn) RemotePublicKey() crypto.PubKey { return c.remotePub }
func (c *upgradedConn) Transport() transport.Transport { return c.transport }

func (c *upgradedConn) CloseWithError(_ network.ConnErrorCode) error {
	return c.MuxedConn.Close()
}
