// Package peerstore provides the persistent Peer Store interfaces (spec
// §3 "Peer Store Entry", §4.8).
package peerstore

import (
	"context"
	"errors"
	"time"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/peer"

	ma "github.com/multiformats/go-multiaddr"
)

// ErrNotFound is returned when a requested peer is unknown to the store.
// Per spec §7 this is normal control flow and MUST NOT be logged as error.
var ErrNotFound = errors.New("peer not found")

// ErrInvalidParameters is returned for malformed mutation requests (e.g. a
// tag value out of [0,100]).
var ErrInvalidParameters = errors.New("invalid parameters")

// Well-known metadata keys (spec §3).
const (
	AgentVersion    = "AgentVersion"
	ProtocolVersion = "ProtocolVersion"
)

// AddrInfo pairs an address with its certification/usage-history flags.
type AddrInfo struct {
	Addr        ma.Multiaddr
	Certified   bool
	LastSuccess time.Time
	LastFailure time.Time
}

// Tag is a named, value-weighted, optionally expiring annotation on a peer.
type Tag struct {
	Value     int
	HasTTL    bool
	ExpiresAt time.Time
}

// Entry is a read-only snapshot of everything the store knows about one
// peer (spec §3 "Peer Store Entry").
type Entry struct {
	ID        peer.ID
	Addrs     []AddrInfo
	Protocols []string
	Metadata  map[string][]byte
	Tags      map[string]Tag
	// Envelope holds the latest signed peer record bytes, if any.
	Envelope  []byte
	PublicKey crypto.PubKey
}

// Patch is a field-wise partial update; nil fields are left untouched.
type Patch struct {
	Addrs     []AddrInfo
	Protocols []string
	Metadata  map[string][]byte
	Envelope  []byte
	PublicKey crypto.PubKey
}

// Peerstore is the persistent mapping from peer id to Entry, backed by a
// Datastore (spec §4.8, §6).
type Peerstore interface {
	// Save performs a full replace of the peer's entry.
	Save(id peer.ID, e Entry) error
	// Patch performs a field-wise replace (nil fields untouched).
	Patch(id peer.ID, p Patch) error
	// Merge unions addresses/protocols, last-wins on metadata keys, and
	// keeps the dominant (highest-sequence) signed record. A Patch carries
	// no tags, so Merge leaves tags as they are; tags change only through
	// TagPeer/UnTagPeer.
	Merge(id peer.ID, p Patch) error
	// Delete removes a peer's entry entirely.
	Delete(id peer.ID) error

	Get(id peer.ID) (Entry, error)
	Has(id peer.ID) bool
	All(filter func(Entry) bool) []Entry

	TagPeer(id peer.ID, name string, value int, ttl time.Duration) error
	UnTagPeer(id peer.ID, name string) error
	GetTags(id peer.ID) (map[string]Tag, error)

	RemovePeer(id peer.ID) error

	Close() error
}

// Datastore is the minimal binary key/value collaborator interface the
// store is backed by (spec §6). github.com/ipfs/go-datastore's Datastore
// satisfies a superset of this.
type Datastore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Query(ctx context.Context, prefix string) ([]string, error)
}
