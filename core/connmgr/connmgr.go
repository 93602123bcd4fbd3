// Package connmgr provides connection managers and connection gaters for
// libp2p: the ConnManager interface (inventory, tagging, pruning, notifees)
// and the ConnectionGater interface (policy hooks consulted throughout the
// dial and upgrade pipeline).
package connmgr

import (
	"context"
	"io"
	"time"

	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"

	ma "github.com/multiformats/go-multiaddr"
)

// KeepAliveTag is the well-known tag name that exempts a peer from
// auto-pruning and schedules reconnection on node startup.
const KeepAliveTag = "KEEP_ALIVE"

// ConnManager tracks connections and allows consumers to associate metadata
// (tags) with each peer, used to prioritize peers for pruning / retention.
type ConnManager interface {
	// TagPeer associates value-weighted metadata with a peer.
	TagPeer(peer.ID, string, int)
	// UntagPeer removes a previously set tag.
	UntagPeer(peer.ID, string)
	// UpsertTag updates an existing tag, or adds a new one if not present.
	UpsertTag(p peer.ID, tag string, upsert func(int) int)
	// GetTagInfo returns metadata associated with the given peer.
	GetTagInfo(p peer.ID) *TagInfo
	// TrimOpenConns prunes connections down to the high watermark (the
	// maximum connection count).
	TrimOpenConns(ctx context.Context)
	// Notifee returns a sink through which Network can inform the connection
	// manager when connections are opened/closed.
	Notifee() network.Notifiee

	Protect(id peer.ID, tag string)
	Unprotect(id peer.ID, tag string) bool
	IsProtected(id peer.ID, tag string) bool

	Close() error
}

// TagInfo stores metadata associated with a peer.
type TagInfo struct {
	FirstSeen time.Time
	Tags      map[string]int
}

// Value returns the sum of all tag values.
func (ti *TagInfo) Value() int {
	var v int
	for _, val := range ti.Tags {
		v += val
	}
	return v
}

// Decider is a function that, given a peer and its associated TagInfo,
// determines whether the peer's connections are to be protected from
// pruning.
type Decider func(p peer.ID, info *TagInfo) bool

// SupportsDecider is implemented by ConnManagers that support a Decider
// function for protecting connections.
type SupportsDecider interface {
	RegisterDecider(Decider)
}

// ConnectionGater is implemented by callers who want to have fine-grained
// control over connection establishment, at several stages:
//
//   - InterceptPeerDial: before dialing a peer.
//   - InterceptAddrDial: before dialing a specific address for a peer.
//   - InterceptAccept: before accepting an inbound connection (no peer
//     identity known yet).
//   - InterceptSecured: after the security handshake, before negotiating the
//     muxer.
//   - InterceptUpgraded: after the full connection upgrade has completed.
type ConnectionGater interface {
	InterceptPeerDial(p peer.ID) (allow bool)
	InterceptAddrDial(peer.ID, ma.Multiaddr) (allow bool)
	InterceptAccept(addrs io.Closer) (allow bool)
	InterceptSecured(network.Direction, peer.ID, ConnMultiaddrProvider) (allow bool)
	InterceptUpgraded(network.Conn) (allow bool, reason GaterReason)
}

// ConnMultiaddrProvider exposes the addresses of a connection under gating;
// a minimal view so gaters don't need to depend on the full transport
// package.
type ConnMultiaddrProvider interface {
	LocalMultiaddr() ma.Multiaddr
	RemoteMultiaddr() ma.Multiaddr
}

// GaterReason is a reason code returned by a connection gater for why a
// connection was rejected. It is for informational/metrics purposes only.
type GaterReason int

const (
	GaterReasonUnknown GaterReason = iota
	GaterReasonNone
)
