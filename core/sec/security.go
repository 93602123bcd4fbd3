// Package sec provides secure connection and transport interfaces for
// libp2p. A ConnectionSecurity implementation is one of the two halves of
// the connection-upgrade pipeline (the other being a stream muxer): it turns
// an unauthenticated byte stream into one with a known, verified remote peer
// identity.
package sec

import (
	"context"
	"fmt"
	"net"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/protocol"
)

// SecureConn is an authenticated, encrypted connection.
type SecureConn interface {
	net.Conn

	LocalPeer() peer.ID
	RemotePeer() peer.ID
	RemotePublicKey() crypto.PubKey
}

// SecureTransport turns inbound and outbound unauthenticated, plain-text,
// native connections into authenticated, encrypted connections.
type SecureTransport interface {
	// SecureInbound secures an inbound connection. If p is empty,
	// connections from any peer are accepted.
	SecureInbound(ctx context.Context, insecure net.Conn, p peer.ID) (SecureConn, error)

	// SecureOutbound secures an outbound connection, and validates the
	// remote's identity against p if p is non-empty.
	SecureOutbound(ctx context.Context, insecure net.Conn, p peer.ID) (SecureConn, error)

	// ID is the protocol ID of the security protocol, negotiated via
	// Protocol Select during upgrade.
	ID() protocol.ID
}

// ErrPeerIDMismatch is returned by the upgrader when the peer id negotiated
// during the security handshake does not match the id the caller expected
// to dial.
type ErrPeerIDMismatch struct {
	Expected peer.ID
	Actual   peer.ID
}

func (e ErrPeerIDMismatch) Error() string {
	return fmt.Sprintf("peer id mismatch: expected %s, but remote key matches %s", e.Expected, e.Actual)
}

var _ error = (*ErrPeerIDMismatch)(nil)
