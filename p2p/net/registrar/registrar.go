// Package registrar implements the per-protocol handler and topology
// registry (spec §4.3): it demultiplexes newly opened streams to registered
// handlers, enforces per-protocol inbound/outbound stream caps, and notifies
// topologies as peers come and go from a protocol's supported set. Grounded
// on the teacher's p2p/host/blank/blank.go use of
// github.com/multiformats/go-multistream for protocol negotiation and
// dispatch, generalized into a standalone collaborator per spec §9's
// Components-bag redesign (the teacher folds this directly into BlankHost).
package registrar

import (
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/protocol"

	logging "github.com/ipfs/go-log/v2"
	mstream "github.com/multiformats/go-multistream"
)

var log = logging.Logger("registrar")

// Sentinel errors per spec §7's Registrar taxonomy.
var (
	ErrNoSuchHandler      = errors.New("registrar: no handler registered for protocol")
	ErrInboundCapExceeded  = errors.New("registrar: inbound stream cap exceeded")
	ErrOutboundCapExceeded = errors.New("registrar: outbound stream cap exceeded")
	ErrTransientNotAllowed = errors.New("registrar: protocol handler does not run on transient connections")
)

// HandlerOptions control stream-level admission for one protocol.
type HandlerOptions struct {
	MaxInboundStreams      int
	MaxOutboundStreams     int
	RunOnTransientConnection bool
}

// DefaultHandlerOptions matches the teacher's unconstrained registration
// behavior: unlimited streams, transient connections allowed.
func DefaultHandlerOptions() HandlerOptions {
	return HandlerOptions{MaxInboundStreams: 0, MaxOutboundStreams: 0, RunOnTransientConnection: true}
}

// Topology is notified as peers advertising a protocol connect and
// disconnect.
type Topology struct {
	OnConnect       func(network.Conn, protocol.ID)
	OnDisconnect    func(network.Conn, protocol.ID)
	NotifyOnTransient bool
}

type topologyEntry struct {
	id  uint64
	top Topology
}

type handlerEntry struct {
	handler network.StreamHandler
	opts    HandlerOptions
}

type streamCount struct {
	inbound  int
	outbound int
}

// Registrar is the concrete per-node protocol handler and topology registry.
type Registrar struct {
	mu       sync.Mutex
	mux      *mstream.MultistreamMuxer[protocol.ID]
	handlers map[protocol.ID]handlerEntry
	topos    map[protocol.ID][]topologyEntry
	nextTopo uint64

	// counts[connID][protocol] tracks live stream counts for cap
	// enforcement and topology onDisconnect triggering.
	counts map[string]map[protocol.ID]*streamCount

	onProtocolsChanged func(added, removed []protocol.ID)
}

func New() *Registrar {
	return &Registrar{
		mux:      mstream.NewMultistreamMuxer[protocol.ID](),
		handlers: make(map[protocol.ID]handlerEntry),
		topos:    make(map[protocol.ID][]topologyEntry),
		counts:   make(map[string]map[protocol.ID]*streamCount),
	}
}

// OnProtocolsChanged installs the callback fired after every Handle/Unhandle,
// used by the node to push the updated protocol list via Identify Push.
func (r *Registrar) OnProtocolsChanged(fn func(added, removed []protocol.ID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onProtocolsChanged = fn
}

// Handle registers (or replaces) the handler for a protocol.
func (r *Registrar) Handle(id protocol.ID, handler network.StreamHandler, opts HandlerOptions) {
	r.mu.Lock()
	r.handlers[id] = handlerEntry{handler: handler, opts: opts}
	r.mux.AddHandler(id, func(p protocol.ID, rwc io.ReadWriteCloser) error {
		s, ok := rwc.(network.Stream)
		if !ok {
			return rwc.Close()
		}
		return r.dispatchInbound(p, s)
	})
	cb := r.onProtocolsChanged
	r.mu.Unlock()
	if cb != nil {
		cb([]protocol.ID{id}, nil)
	}
}

// HandleMatch registers a handler selected by a predicate over the
// negotiated protocol id rather than an exact id, for protocol families
// matched by prefix or semver range. id is only the candidate offered during
// negotiation; the handler may be invoked with any id accepted by match.
func (r *Registrar) HandleMatch(id protocol.ID, match func(protocol.ID) bool, handler network.StreamHandler, opts HandlerOptions) {
	entry := handlerEntry{handler: handler, opts: opts}
	r.mu.Lock()
	r.mux.AddHandlerWithFunc(id, func(s string) bool { return match(protocol.ID(s)) }, func(p protocol.ID, rwc io.ReadWriteCloser) error {
		st, ok := rwc.(network.Stream)
		if !ok {
			return rwc.Close()
		}
		return r.dispatch(p, st, entry)
	})
	r.mu.Unlock()
}

// Unhandle removes the handler for a protocol.
func (r *Registrar) Unhandle(id protocol.ID) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mux.RemoveHandler(id)
	cb := r.onProtocolsChanged
	r.mu.Unlock()
	if cb != nil {
		cb(nil, []protocol.ID{id})
	}
}

// Register subscribes a topology to connect/disconnect notifications for a
// protocol, returning a subscription id for Unregister.
func (r *Registrar) Register(id protocol.ID, top Topology) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextTopo++
	subID := r.nextTopo
	r.topos[id] = append(r.topos[id], topologyEntry{id: subID, top: top})
	return subID
}

// Unregister removes a previously registered topology subscription.
func (r *Registrar) Unregister(id protocol.ID, subID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.topos[id]
	for i, e := range entries {
		if e.id == subID {
			r.topos[id] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// GetProtocols returns the sorted, deduplicated set of currently supported
// protocols.
func (r *Registrar) GetProtocols() []protocol.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.ID, 0, len(r.handlers))
	for id := range r.handlers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HandleInboundStream runs Protocol Select over a freshly accepted stream
// (negotiation side) and dispatches it to the matched handler.
func (r *Registrar) HandleInboundStream(s network.Stream) {
	if err := r.mux.Handle(s); err != nil {
		log.Debugf("registrar: protocol negotiation failed on inbound stream: %s", err)
		s.Reset()
	}
}

func (r *Registrar) dispatchInbound(id protocol.ID, s network.Stream) error {
	r.mu.Lock()
	entry, ok := r.handlers[id]
	r.mu.Unlock()
	if !ok {
		s.Reset()
		return ErrNoSuchHandler
	}
	return r.dispatch(id, s, entry)
}

// dispatch runs admission, topology notification, and the handler itself
// for a stream that has already been matched to a handler entry, shared by
// both exact-id (Handle) and predicate (HandleMatch) registration.
func (r *Registrar) dispatch(id protocol.ID, s network.Stream, entry handlerEntry) error {
	r.mu.Lock()
	conn := s.Conn()
	if conn.Stat().Limited && !entry.opts.RunOnTransientConnection {
		r.mu.Unlock()
		s.Reset()
		return ErrTransientNotAllowed
	}
	cnt := r.countFor(conn.ID(), id)
	if entry.opts.MaxInboundStreams > 0 && cnt.inbound >= entry.opts.MaxInboundStreams {
		r.mu.Unlock()
		s.Reset()
		return ErrInboundCapExceeded
	}
	cnt.inbound++
	wasZero := cnt.inbound == 1 && cnt.outbound == 0
	tops := append([]topologyEntry(nil), r.topos[id]...)
	r.mu.Unlock()

	if wasZero {
		for _, t := range tops {
			if t.top.OnConnect != nil {
				t.top.OnConnect(conn, id)
			}
		}
	}

	s.SetProtocol(id)
	entry.handler(s)

	r.mu.Lock()
	cnt = r.countFor(conn.ID(), id)
	cnt.inbound--
	nowZero := cnt.inbound == 0 && cnt.outbound == 0
	tops = append([]topologyEntry(nil), r.topos[id]...)
	r.mu.Unlock()

	if nowZero {
		for _, t := range tops {
			if t.top.OnDisconnect != nil {
				t.top.OnDisconnect(conn, id)
			}
		}
	}
	return nil
}

// AdmitOutbound enforces the outbound cap (spec §4.3 "On outbound stream
// open") before a stream is actually opened by a higher layer.
func (r *Registrar) AdmitOutbound(conn network.Conn, id protocol.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.handlers[id]
	if ok && conn.Stat().Limited && !entry.opts.RunOnTransientConnection {
		return ErrTransientNotAllowed
	}
	cnt := r.countFor(conn.ID(), id)
	if ok && entry.opts.MaxOutboundStreams > 0 && cnt.outbound >= entry.opts.MaxOutboundStreams {
		return ErrOutboundCapExceeded
	}
	cnt.outbound++
	return nil
}

// ReleaseOutbound decrements the outbound count recorded by AdmitOutbound,
// firing topology onDisconnect if this was the last stream for the protocol
// on this connection.
func (r *Registrar) ReleaseOutbound(conn network.Conn, id protocol.ID) {
	r.mu.Lock()
	cnt, ok := r.counts[conn.ID()][id]
	if !ok || cnt.outbound == 0 {
		r.mu.Unlock()
		return
	}
	cnt.outbound--
	nowZero := cnt.inbound == 0 && cnt.outbound == 0
	tops := append([]topologyEntry(nil), r.topos[id]...)
	r.mu.Unlock()

	if nowZero {
		for _, t := range tops {
			if t.top.OnDisconnect != nil {
				t.top.OnDisconnect(conn, id)
			}
		}
	}
}

func (r *Registrar) countFor(connID string, id protocol.ID) *streamCount {
	perConn, ok := r.counts[connID]
	if !ok {
		perConn = make(map[protocol.ID]*streamCount)
		r.counts[connID] = perConn
	}
	cnt, ok := perConn[id]
	if !ok {
		cnt = &streamCount{}
		perConn[id] = cnt
	}
	return cnt
}

// ConnectionClosed drops per-connection counts and fires onDisconnect for
// any protocol that still had live streams, used when the connection itself
// is torn down rather than the stream ending normally.
func (r *Registrar) ConnectionClosed(conn network.Conn) {
	r.mu.Lock()
	perConn, ok := r.counts[conn.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.counts, conn.ID())
	type pending struct {
		id   protocol.ID
		tops []topologyEntry
	}
	var firing []pending
	for id, cnt := range perConn {
		if cnt.inbound > 0 || cnt.outbound > 0 {
			firing = append(firing, pending{id: id, tops: append([]topologyEntry(nil), r.topos[id]...)})
		}
	}
	r.mu.Unlock()

	for _, p := range firing {
		for _, t := range p.tops {
			if t.top.OnDisconnect != nil {
				t.top.OnDisconnect(conn, p.id)
			}
		}
	}
}

// OnPeerProtocolsUpdated fires topology onConnect/onDisconnect for the delta
// between a peer's previously known protocol set and its updated one, as
// surfaced by Identify (spec §4.3 "When identify surfaces...").
func (r *Registrar) OnPeerProtocolsUpdated(conn network.Conn, added, removed []protocol.ID) {
	r.mu.Lock()
	var onConnect, onDisconnect []topologyEntry
	addedSets := make(map[protocol.ID][]topologyEntry, len(added))
	removedSets := make(map[protocol.ID][]topologyEntry, len(removed))
	for _, id := range added {
		addedSets[id] = append([]topologyEntry(nil), r.topos[id]...)
	}
	for _, id := range removed {
		removedSets[id] = append([]topologyEntry(nil), r.topos[id]...)
	}
	r.mu.Unlock()

	for id, tops := range addedSets {
		onConnect = tops
		for _, t := range onConnect {
			if t.top.OnConnect != nil {
				t.top.OnConnect(conn, id)
			}
		}
	}
	for id, tops := range removedSets {
		onDisconnect = tops
		for _, t := range onDisconnect {
			if t.top.OnDisconnect != nil {
				t.top.OnDisconnect(conn, id)
			}
		}
	}
}
