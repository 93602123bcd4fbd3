// Package pstoremem implements an in-memory core/peerstore.Peerstore (spec
// §4.8). The teacher's pstoremem package split this responsibility across
// four book interfaces (AddrBook/KeyBook/ProtoBook/PeerMetadata), each
// sharded 256 ways by the peer id's last byte (see the teacher's
// protobook.go). This module's core/peerstore.go collapses those into one
// Peerstore interface over a single Entry type, so the split books and
// their per-book test suites don't carry over; this package instead keeps
// the teacher's single-mutex simplification already adopted for the
// Connection Manager (p2p/net/connmgr) — one entry map guarded by one
// sync.RWMutex — since this module's target scale doesn't need sharding's
// contention relief. The TTL-tag expiry idiom (lazy filter-on-read,
// prune-on-write) is grounded on the teacher's own description of tag
// semantics and implemented with the same benbjohnson/clock abstraction
// p2p/host/addrmgr uses, for deterministic tests.
package pstoremem

import (
	"sync"
	"time"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/event"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/peerstore"
	"github.com/meshward/go-p2pnode/core/record"

	clockwork "github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("pstoremem")

// peerRecord mirrors peerstore.Entry but keeps addresses/protocols in
// dedupe-friendly shapes alongside the caller-facing slices.
type peerRecord struct {
	id          peer.ID
	addrs       map[string]peerstore.AddrInfo // keyed by Addr.String()
	protoOrder  []string
	protoSet    map[string]struct{}
	metadata    map[string][]byte
	tags        map[string]peerstore.Tag
	envelope    []byte
	envelopeSeq uint64
	pubKey      crypto.PubKey
}

func newPeerRecord(id peer.ID) *peerRecord {
	return &peerRecord{
		id:       id,
		addrs:    make(map[string]peerstore.AddrInfo),
		protoSet: make(map[string]struct{}),
		metadata: make(map[string][]byte),
		tags:     make(map[string]peerstore.Tag),
	}
}

func (r *peerRecord) snapshot(now time.Time) peerstore.Entry {
	addrs := make([]peerstore.AddrInfo, 0, len(r.addrs))
	for _, a := range r.addrs {
		addrs = append(addrs, a)
	}
	protocols := append([]string(nil), r.protoOrder...)
	metadata := make(map[string][]byte, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	tags := make(map[string]peerstore.Tag, len(r.tags))
	for k, t := range r.tags {
		if tagExpired(t, now) {
			continue
		}
		tags[k] = t
	}
	return peerstore.Entry{
		ID:        r.id,
		Addrs:     addrs,
		Protocols: protocols,
		Metadata:  metadata,
		Tags:      tags,
		Envelope:  r.envelope,
		PublicKey: r.pubKey,
	}
}

func (r *peerRecord) pruneExpiredTagsLocked(now time.Time) {
	for k, t := range r.tags {
		if tagExpired(t, now) {
			delete(r.tags, k)
		}
	}
}

func tagExpired(t peerstore.Tag, now time.Time) bool {
	return t.HasTTL && !now.Before(t.ExpiresAt)
}

func (r *peerRecord) setAddrsLocked(addrs []peerstore.AddrInfo) {
	r.addrs = make(map[string]peerstore.AddrInfo, len(addrs))
	for _, a := range addrs {
		r.addrs[a.Addr.String()] = a
	}
}

func (r *peerRecord) mergeAddrsLocked(addrs []peerstore.AddrInfo) {
	for _, a := range addrs {
		key := a.Addr.String()
		existing, ok := r.addrs[key]
		if !ok {
			r.addrs[key] = a
			continue
		}
		merged := existing
		if a.Certified {
			merged.Certified = true
		}
		if a.LastSuccess.After(merged.LastSuccess) {
			merged.LastSuccess = a.LastSuccess
		}
		if a.LastFailure.After(merged.LastFailure) {
			merged.LastFailure = a.LastFailure
		}
		r.addrs[key] = merged
	}
}

func (r *peerRecord) setProtocolsLocked(protocols []string) {
	r.protoOrder = nil
	r.protoSet = make(map[string]struct{}, len(protocols))
	for _, p := range protocols {
		if _, ok := r.protoSet[p]; ok {
			continue
		}
		r.protoSet[p] = struct{}{}
		r.protoOrder = append(r.protoOrder, p)
	}
}

func (r *peerRecord) mergeProtocolsLocked(protocols []string) {
	for _, p := range protocols {
		if _, ok := r.protoSet[p]; ok {
			continue
		}
		r.protoSet[p] = struct{}{}
		r.protoOrder = append(r.protoOrder, p)
	}
}

// envelopeSeqOf decodes the sequence number carried by a signed peer record
// envelope. A malformed or absent envelope decodes to sequence 0, which
// never outranks a validly-sequenced stored record (spec §4.8 invariant b).
func envelopeSeqOf(raw []byte) uint64 {
	if len(raw) == 0 {
		return 0
	}
	env, err := record.Unmarshal(raw)
	if err != nil {
		return 0
	}
	rec, err := record.UnmarshalPeerRecord(env.RawPayload)
	if err != nil {
		return 0
	}
	return rec.Seq
}

// Peerstore is the in-memory implementation of core/peerstore.Peerstore.
type Peerstore struct {
	mu      sync.RWMutex
	entries map[peer.ID]*peerRecord
	clock   clockwork.Clock

	updateEmitter    event.Emitter
	discoveryEmitter event.Emitter

	closed bool
}

// Option configures a Peerstore at construction.
type Option func(*Peerstore)

// WithClock overrides the time source, for deterministic tag-TTL tests.
func WithClock(clk clockwork.Clock) Option {
	return func(p *Peerstore) { p.clock = clk }
}

// WithEventBus wires peer:update/peer:discovery emission onto bus.
func WithEventBus(bus event.Bus) Option {
	return func(p *Peerstore) {
		if bus == nil {
			return
		}
		if emitter, err := bus.Emitter(&event.EvtPeerUpdate{}); err == nil {
			p.updateEmitter = emitter
		} else {
			log.Warnf("pstoremem: failed to create peer:update emitter: %s", err)
		}
		if emitter, err := bus.Emitter(&event.EvtPeerDiscovery{}); err == nil {
			p.discoveryEmitter = emitter
		} else {
			log.Warnf("pstoremem: failed to create peer:discovery emitter: %s", err)
		}
	}
}

// NewPeerstore constructs an empty in-memory peer store.
func NewPeerstore(opts ...Option) *Peerstore {
	p := &Peerstore{
		entries: make(map[peer.ID]*peerRecord),
		clock:   clockwork.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Peerstore) emitUpdate(id peer.ID, previous interface{}) {
	if previous == nil && p.discoveryEmitter != nil {
		if err := p.discoveryEmitter.Emit(event.EvtPeerDiscovery{Peer: id}); err != nil {
			log.Warnf("pstoremem: failed to emit peer:discovery for %s: %s", id, err)
		}
	}
	if p.updateEmitter != nil {
		if err := p.updateEmitter.Emit(event.EvtPeerUpdate{Peer: id, Previous: previous}); err != nil {
			log.Warnf("pstoremem: failed to emit peer:update for %s: %s", id, err)
		}
	}
}

// Save performs a full replace of the peer's entry.
func (p *Peerstore) Save(id peer.ID, e peerstore.Entry) error {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.previousSnapshotLocked(id, now)

	r := newPeerRecord(id)
	r.setAddrsLocked(e.Addrs)
	r.setProtocolsLocked(e.Protocols)
	for k, v := range e.Metadata {
		r.metadata[k] = v
	}
	for k, t := range e.Tags {
		r.tags[k] = t
	}
	r.envelope = e.Envelope
	r.envelopeSeq = envelopeSeqOf(e.Envelope)
	r.pubKey = e.PublicKey
	p.entries[id] = r

	p.emitUpdate(id, prev)
	return nil
}

// Patch performs a field-wise replace; nil fields are left untouched.
func (p *Peerstore) Patch(id peer.ID, patch peerstore.Patch) error {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.previousSnapshotLocked(id, now)

	r, ok := p.entries[id]
	if !ok {
		r = newPeerRecord(id)
		p.entries[id] = r
	}
	if patch.Addrs != nil {
		r.setAddrsLocked(patch.Addrs)
	}
	if patch.Protocols != nil {
		r.setProtocolsLocked(patch.Protocols)
	}
	if patch.Metadata != nil {
		r.metadata = make(map[string][]byte, len(patch.Metadata))
		for k, v := range patch.Metadata {
			r.metadata[k] = v
		}
	}
	if patch.Envelope != nil {
		r.envelope = patch.Envelope
		r.envelopeSeq = envelopeSeqOf(patch.Envelope)
	}
	if patch.PublicKey != nil {
		r.pubKey = patch.PublicKey
	}

	p.emitUpdate(id, prev)
	return nil
}

// Merge unions addresses/protocols, last-wins on metadata keys, and keeps
// the sequence-dominant signed record (spec §4.8 invariant b).
func (p *Peerstore) Merge(id peer.ID, patch peerstore.Patch) error {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.previousSnapshotLocked(id, now)

	r, ok := p.entries[id]
	if !ok {
		r = newPeerRecord(id)
		p.entries[id] = r
	}
	if patch.Addrs != nil {
		r.mergeAddrsLocked(patch.Addrs)
	}
	if patch.Protocols != nil {
		r.mergeProtocolsLocked(patch.Protocols)
	}
	for k, v := range patch.Metadata {
		r.metadata[k] = v
	}
	if patch.PublicKey != nil {
		r.pubKey = patch.PublicKey
	}
	if len(patch.Envelope) > 0 {
		newSeq := envelopeSeqOf(patch.Envelope)
		if r.envelope == nil || newSeq > r.envelopeSeq {
			r.envelope = patch.Envelope
			r.envelopeSeq = newSeq
		}
	}

	p.emitUpdate(id, prev)
	return nil
}

// Delete removes a peer's entry entirely.
func (p *Peerstore) Delete(id peer.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; !ok {
		return nil
	}
	delete(p.entries, id)
	return nil
}

// RemovePeer is equivalent to Delete; it exists as a separate interface
// method that names the operation after the peer, not the record.
func (p *Peerstore) RemovePeer(id peer.ID) error {
	return p.Delete(id)
}

func (p *Peerstore) Get(id peer.ID) (peerstore.Entry, error) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.entries[id]
	if !ok {
		return peerstore.Entry{}, peerstore.ErrNotFound
	}
	r.pruneExpiredTagsLocked(now)
	return r.snapshot(now), nil
}

func (p *Peerstore) Has(id peer.ID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[id]
	return ok
}

func (p *Peerstore) All(filter func(peerstore.Entry) bool) []peerstore.Entry {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]peerstore.Entry, 0, len(p.entries))
	for _, r := range p.entries {
		r.pruneExpiredTagsLocked(now)
		e := r.snapshot(now)
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out
}

func (p *Peerstore) TagPeer(id peer.ID, name string, value int, ttl time.Duration) error {
	if value < 0 || value > 100 {
		return peerstore.ErrInvalidParameters
	}
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.entries[id]
	if !ok {
		r = newPeerRecord(id)
		p.entries[id] = r
	}
	r.pruneExpiredTagsLocked(now)
	tag := peerstore.Tag{Value: value}
	if ttl > 0 {
		tag.HasTTL = true
		tag.ExpiresAt = now.Add(ttl)
	}
	r.tags[name] = tag
	return nil
}

func (p *Peerstore) UnTagPeer(id peer.ID, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.entries[id]
	if !ok {
		return nil
	}
	delete(r.tags, name)
	return nil
}

func (p *Peerstore) GetTags(id peer.ID) (map[string]peerstore.Tag, error) {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.entries[id]
	if !ok {
		return nil, peerstore.ErrNotFound
	}
	r.pruneExpiredTagsLocked(now)
	out := make(map[string]peerstore.Tag, len(r.tags))
	for k, t := range r.tags {
		out[k] = t
	}
	return out, nil
}

// Close releases the store's event emitters. The store holds no other
// resources.
func (p *Peerstore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.updateEmitter != nil {
		if err := p.updateEmitter.Close(); err != nil {
			return err
		}
	}
	if p.discoveryEmitter != nil {
		return p.discoveryEmitter.Close()
	}
	return nil
}

// previousSnapshotLocked returns nil for an unknown peer (first insertion,
// per spec §4.8: "previous absent for first insertion") or a pointer to a
// point-in-time Entry snapshot otherwise. Caller must hold p.mu.
func (p *Peerstore) previousSnapshotLocked(id peer.ID, now time.Time) interface{} {
	r, ok := p.entries[id]
	if !ok {
		return nil
	}
	e := r.snapshot(now)
	return &e
}

var _ peerstore.Peerstore = (*Peerstore)(nil)
