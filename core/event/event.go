// Package event centralizes the event types emitted onto the node's event
// bus (§6 of the spec: connection:open, connection:close, peer:update,
// peer:discovery, peer:identify, self:peer:update, transport:listening,
// transport:close) and the Bus/Subscription/Emitter interfaces used to
// publish and consume them.
package event

import (
	"reflect"

	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"

	ma "github.com/multiformats/go-multiaddr"
)

// EvtPeerConnectednessChanged is emitted whenever our connectedness to a peer
// changes, in particular when the last connection to a peer closes, or the
// first opens.
type EvtPeerConnectednessChanged struct {
	Peer          peer.ID
	Connectedness network.Connectedness
}

// EvtPeerIdentificationCompleted is emitted when the identify protocol
// completes for a connection (spec's peer:identify).
type EvtPeerIdentificationCompleted struct {
	Peer             peer.ID
	Conn             network.Conn
	ListenAddrs      []ma.Multiaddr
	Protocols        []string
	SignedPeerRecord bool
	ObservedAddr     ma.Multiaddr
	ProtocolVersion  string
	AgentVersion     string
}

// EvtPeerIdentificationFailed is emitted when identify fails for a reason
// other than a peer-id mismatch (which aborts the connection instead).
type EvtPeerIdentificationFailed struct {
	Peer   peer.ID
	Reason error
}

// EvtLocalAddressesUpdated is emitted whenever the node's own advertised
// address set changes (spec's self:peer:update).
type EvtLocalAddressesUpdated struct {
	Diffs   bool
	Current []UpdatedAddress
}

type UpdatedAddress struct {
	Address ma.Multiaddr
	Action  AddrAction
}

type AddrAction int

const (
	Unknown AddrAction = iota
	Added
	Maintained
	Removed
)

// EvtPeerUpdate mirrors the peer store's peer:update event: the peer whose
// entry changed, and the previous snapshot (nil on first insertion, which
// consumers should treat as peer:discovery).
type EvtPeerUpdate struct {
	Peer     peer.ID
	Previous interface{}
}

// EvtPeerDiscovery is fired the first time a peer is seen (previous == nil
// in EvtPeerUpdate).
type EvtPeerDiscovery struct {
	Peer peer.ID
}

// EvtTransportListening is emitted when a transport starts listening on an
// address.
type EvtTransportListening struct {
	Addr ma.Multiaddr
}

// EvtTransportClosed is emitted when a transport stops listening.
type EvtTransportClosed struct {
	Addr ma.Multiaddr
}

// EvtConnectionOpened / EvtConnectionClosed are the raw connection lifecycle
// events (spec's connection:open / connection:close).
type EvtConnectionOpened struct {
	Conn network.Conn
}

type EvtConnectionClosed struct {
	Conn network.Conn
}

// Subscription represents a subscription to one or more event types.
type Subscription interface {
	Out() <-chan interface{}
	Close() error
}

// Emitter represents an actor that emits events onto the bus.
type Emitter interface {
	Emit(evt interface{}) error
	Close() error
}

// SubscriptionOpt represents subscription options.
type SubscriptionOpt func(interface{}) error

// EmitterOpt represents an emitter option.
type EmitterOpt func(interface{}) error

// Bus is an interface for a type-based event delivery system.
type Bus interface {
	Subscribe(eventType interface{}, opts ...SubscriptionOpt) (Subscription, error)
	Emitter(eventType interface{}, opts ...EmitterOpt) (Emitter, error)
}

// TypeOf returns the reflect.Type of an event value, used by Bus
// implementations to key their internal routing tables.
func TypeOf(v interface{}) reflect.Type {
	return reflect.TypeOf(v)
}
