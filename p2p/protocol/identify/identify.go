// Package identify implements the Identify Service (spec §4.6): the
// request-response Identify protocol and its one-shot Push variant, which
// let two freshly connected peers exchange protocol versions, supported
// protocols, public keys, and address information.
//
// Grounded on _examples/ipfs-go-libp2p/p2p/protocol/identify/id.go for the
// overall shape (identifyConn on connection:open, sendIdentifyResp/
// handleIdentifyResponse for the request-response exchange, populateMessage/
// consumeMessage for message (de)composition, consumeReceivedPubKey's
// peer-id/pubkey cross-check, the netNotifiee adapter pattern also mirrored
// by this module's Connection Manager). The message wire format is
// reimplemented on this module's own hand-rolled protowire codec (message.go)
// since the teacher's generated pb.Identify type depends on protoc/gogo
// codegen this module doesn't carry; outer per-stream framing uses
// github.com/libp2p/go-msgio's plain varint reader/writer (already in the
// teacher's own go.mod, previously wired only by the now-orphaned
// p2p/host/autonat/client.go) instead of go-msgio/pbio, which expects real
// proto.Message values.
package identify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/event"
	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/peerstore"
	"github.com/meshward/go-p2pnode/core/protocol"
	"github.com/meshward/go-p2pnode/core/record"
	"github.com/meshward/go-p2pnode/p2p/host/addrmgr"
	"github.com/meshward/go-p2pnode/p2p/net/registrar"
	"github.com/meshward/go-p2pnode/p2p/protocol/protoselect"

	logging "github.com/ipfs/go-log/v2"
	msgio "github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("identify")

// Protocol identifiers (spec §4.6).
const (
	ID     = protocol.ID("/ipfs/id/1.0.0")
	IDPush = protocol.ID("/ipfs/id/push/1.0.0")
)

// DefaultProtocolVersion and DefaultUserAgent seed a Config when the caller
// doesn't override them.
const (
	DefaultProtocolVersion = "p2pnode/1.0.0"
	DefaultUserAgent       = "go-p2pnode"
)

// DefaultTimeout bounds how long the outbound identify exchange may take
// before the connection is treated as failed-to-identify (spec §4.6 "read
// one message within timeout").
const DefaultTimeout = 30 * time.Second

// ErrInvalidPeer is returned when a remote's Identify message either omits
// its public key or the key's derived peer id doesn't match the connection's
// remote peer (spec §4.6).
var ErrInvalidPeer = errors.New("identify: invalid peer")

// Config bundles a Service's construction-time collaborators.
type Config struct {
	Self      peer.ID
	PrivKey   crypto.PrivKey
	Network   network.Network
	Registrar *registrar.Registrar
	AddrMgr   *addrmgr.Manager
	Peerstore peerstore.Peerstore
	Bus       event.Bus

	ProtocolVersion string
	UserAgent       string
	Timeout         time.Duration
}

// Service is the concrete Identify Service.
type Service struct {
	self      peer.ID
	privKey   crypto.PrivKey
	net       network.Network
	reg       *registrar.Registrar
	addrMgr   *addrmgr.Manager
	peerstore peerstore.Peerstore

	protocolVersion string
	userAgent       string
	timeout         time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	emitCompleted event.Emitter
	emitFailed    event.Emitter

	pushSub event.Subscription

	wg sync.WaitGroup
}

// New constructs a Service. Call Start to begin handling connections.
func New(cfg Config) (*Service, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		self:            cfg.Self,
		privKey:         cfg.PrivKey,
		net:             cfg.Network,
		reg:             cfg.Registrar,
		addrMgr:         cfg.AddrMgr,
		peerstore:       cfg.Peerstore,
		protocolVersion: cfg.ProtocolVersion,
		userAgent:       cfg.UserAgent,
		timeout:         cfg.Timeout,
		ctx:             ctx,
		cancel:          cancel,
	}

	if cfg.Bus != nil {
		var err error
		if s.emitCompleted, err = cfg.Bus.Emitter(&event.EvtPeerIdentificationCompleted{}); err != nil {
			cancel()
			return nil, err
		}
		if s.emitFailed, err = cfg.Bus.Emitter(&event.EvtPeerIdentificationFailed{}); err != nil {
			cancel()
			return nil, err
		}
		if s.pushSub, err = cfg.Bus.Subscribe(&event.EvtLocalAddressesUpdated{}); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

// Start registers the Identify and Identify Push protocol handlers, begins
// observing new connections, and (if an event bus was supplied) fans out
// push updates on self address changes.
func (s *Service) Start() {
	s.reg.Handle(ID, s.handleIdentifyRequest, registrar.DefaultHandlerOptions())
	s.reg.Handle(IDPush, s.handlePush, registrar.DefaultHandlerOptions())
	s.net.Notify((*idNotifee)(s))

	if s.pushSub != nil {
		s.wg.Add(1)
		go s.pushLoop()
	}
}

// Close stops the Service and releases its event-bus resources.
func (s *Service) Close() error {
	s.cancel()
	s.net.StopNotify((*idNotifee)(s))
	if s.pushSub != nil {
		s.pushSub.Close()
	}
	s.wg.Wait()
	if s.emitCompleted != nil {
		s.emitCompleted.Close()
	}
	if s.emitFailed != nil {
		s.emitFailed.Close()
	}
	return nil
}

type idNotifee Service

func (n *idNotifee) Listen(network.Network, ma.Multiaddr)      {}
func (n *idNotifee) ListenClose(network.Network, ma.Multiaddr) {}

func (n *idNotifee) Connected(_ network.Network, c network.Conn) {
	s := (*Service)(n)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.identifyConn(c)
	}()
}

func (n *idNotifee) Disconnected(network.Network, network.Conn) {}

// identifyConn runs the outbound request-response exchange against a newly
// opened connection (spec §4.6 "On connection:open").
func (s *Service) identifyConn(c network.Conn) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	p := c.RemotePeer()
	result, err := s.requestIdentify(ctx, c)
	if err != nil {
		log.Debugf("identify of %s failed: %s", p, err)
		if s.emitFailed != nil {
			s.emitFailed.Emit(event.EvtPeerIdentificationFailed{Peer: p, Reason: err})
		}
		return
	}

	if s.emitCompleted != nil {
		s.emitCompleted.Emit(*result)
	}
}

func (s *Service) requestIdentify(ctx context.Context, c network.Conn) (*event.EvtPeerIdentificationCompleted, error) {
	stream, err := c.NewStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("identify: opening stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	selected, err := protoselect.Select(stream, []protocol.ID{ID})
	if err != nil {
		stream.Reset()
		return nil, fmt.Errorf("identify: negotiating protocol: %w", err)
	}
	stream.SetProtocol(selected)

	msg, err := readMessage(stream)
	if err != nil {
		stream.Reset()
		return nil, fmt.Errorf("identify: reading message: %w", err)
	}

	return s.consumeMessage(msg, c)
}

// handleIdentifyRequest is the inbound responder side: write one message and
// close (spec §4.6 "On inbound identify").
func (s *Service) handleIdentifyRequest(stream network.Stream) {
	defer stream.Close()

	c := stream.Conn()
	msg := s.buildMessage(c, false)
	if err := writeMessage(stream, msg); err != nil {
		log.Debugf("identify: writing response to %s: %s", c.RemotePeer(), err)
		stream.Reset()
	}
}

// handlePush is the inbound side of Identify Push: read one message and
// merge it exactly like a request-response result, but never reply (spec
// §4.6).
func (s *Service) handlePush(stream network.Stream) {
	defer stream.Close()

	c := stream.Conn()
	msg, err := readMessage(stream)
	if err != nil {
		log.Debugf("identify: reading push from %s: %s", c.RemotePeer(), err)
		stream.Reset()
		return
	}
	result, err := s.consumeMessage(msg, c)
	if err != nil {
		log.Debugf("identify: push from %s invalid: %s", c.RemotePeer(), err)
		if s.emitFailed != nil {
			s.emitFailed.Emit(event.EvtPeerIdentificationFailed{Peer: c.RemotePeer(), Reason: err})
		}
		return
	}
	if s.emitCompleted != nil {
		s.emitCompleted.Emit(*result)
	}
}

// pushLoop fans out the current Identify message to every connected peer
// whenever our own address set changes (spec §4.6 "On self change").
func (s *Service) pushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case _, ok := <-s.pushSub.Out():
			if !ok {
				return
			}
			s.pushToAllPeers()
		}
	}
}

func (s *Service) pushToAllPeers() {
	for _, c := range s.net.Conns() {
		c := c
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pushToConn(c)
		}()
	}
}

func (s *Service) pushToConn(c network.Conn) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	stream, err := c.NewStream(ctx)
	if err != nil {
		log.Debugf("identify push: opening stream to %s: %s", c.RemotePeer(), err)
		return
	}
	defer stream.Close()

	selected, err := protoselect.Select(stream, []protocol.ID{IDPush})
	if err != nil {
		// Peer doesn't support push; not an error worth logging loudly.
		stream.Reset()
		return
	}
	stream.SetProtocol(selected)

	msg := s.buildMessage(c, true)
	if err := writeMessage(stream, msg); err != nil {
		log.Debugf("identify push: writing to %s: %s", c.RemotePeer(), err)
		stream.Reset()
	}
}

// buildMessage composes the Identify message describing our own state
// (spec §4.6's populate step). For a direct request-response reply,
// isPush is false and the connection's remote multiaddr is echoed back as
// the observed address; push messages omit it.
func (s *Service) buildMessage(c network.Conn, isPush bool) *Message {
	protos := s.reg.GetProtocols()
	protoStrs := make([]string, len(protos))
	for i, p := range protos {
		protoStrs[i] = string(p)
	}

	msg := &Message{
		ProtocolVersion: s.protocolVersion,
		AgentVersion:    s.userAgent,
		Protocols:       protoStrs,
	}

	if !isPush {
		if ra := c.RemoteMultiaddr(); ra != nil {
			msg.ObservedAddr = ra.Bytes()
		}
	}

	if s.privKey != nil {
		if pkBytes, err := crypto.MarshalPublicKey(s.privKey.GetPublic()); err == nil {
			msg.PublicKey = pkBytes
		}
	}

	addrs := stripSelfSuffix(s.addrMgr.GetAddresses(), s.self)
	msg.ListenAddrs = make([][]byte, 0, len(addrs))
	for _, a := range addrs {
		msg.ListenAddrs = append(msg.ListenAddrs, a.Bytes())
	}

	if entry, err := s.peerstore.Get(s.self); err == nil && len(entry.Envelope) > 0 {
		msg.SignedPeerRecord = entry.Envelope
	}

	return msg
}

// consumeMessage validates and merges a remote's Identify message (spec
// §4.6's validate/merge steps), returning the completion event to emit.
func (s *Service) consumeMessage(msg *Message, c network.Conn) (*event.EvtPeerIdentificationCompleted, error) {
	remote := c.RemotePeer()

	if len(msg.PublicKey) == 0 {
		return nil, fmt.Errorf("%w: missing public key", ErrInvalidPeer)
	}
	pubKey, err := crypto.UnmarshalPublicKey(msg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unmarshaling public key: %v", ErrInvalidPeer, err)
	}
	derived, err := peer.IDFromPublicKey(pubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving peer id: %v", ErrInvalidPeer, err)
	}
	if derived != remote {
		return nil, fmt.Errorf("%w: public key does not match remote peer %s", ErrInvalidPeer, remote)
	}
	if derived == s.self {
		return nil, fmt.Errorf("%w: remote claims to be self", ErrInvalidPeer)
	}

	listenAddrs := make([]ma.Multiaddr, 0, len(msg.ListenAddrs))
	for _, b := range msg.ListenAddrs {
		a, err := ma.NewMultiaddrBytes(b)
		if err != nil {
			log.Debugf("identify: skipping unparseable listen addr from %s: %s", remote, err)
			continue
		}
		listenAddrs = append(listenAddrs, a)
	}

	patch := peerstore.Patch{
		Protocols: msg.Protocols,
		PublicKey: pubKey,
		Metadata: map[string][]byte{
			peerstore.AgentVersion:    []byte(msg.AgentVersion),
			peerstore.ProtocolVersion: []byte(msg.ProtocolVersion),
		},
	}
	for _, a := range listenAddrs {
		patch.Addrs = append(patch.Addrs, peerstore.AddrInfo{Addr: a})
	}

	signedRecordAccepted := false
	if len(msg.SignedPeerRecord) > 0 {
		accepted, env, err := s.acceptSignedRecord(remote, msg.SignedPeerRecord)
		if err != nil {
			log.Debugf("identify: rejecting signed peer record from %s: %s", remote, err)
		} else if accepted {
			signedRecordAccepted = true
			patch.Envelope = msg.SignedPeerRecord
			rec, _ := record.UnmarshalPeerRecord(env.RawPayload)
			if rec != nil {
				patch.Addrs = patch.Addrs[:0]
				for _, a := range rec.Addresses {
					patch.Addrs = append(patch.Addrs, peerstore.AddrInfo{Addr: a, Certified: true})
				}
			}
		}
	}

	if err := s.peerstore.Merge(remote, patch); err != nil {
		log.Warnf("identify: merging peer store entry for %s: %s", remote, err)
	}

	var observed ma.Multiaddr
	if len(msg.ObservedAddr) > 0 {
		if a, err := ma.NewMultiaddrBytes(msg.ObservedAddr); err == nil {
			// Strip any trailing /p2p/<id> component before storing: the
			// two historical Identify implementations disagreed here, and
			// this module follows the modern one.
			transport, _ := peer.SplitAddr(a)
			observed = transport
			s.addrMgr.ObserveFrom(remote, transport)
		}
	}

	return &event.EvtPeerIdentificationCompleted{
		Peer:             remote,
		Conn:             c,
		ListenAddrs:      listenAddrs,
		Protocols:        msg.Protocols,
		SignedPeerRecord: signedRecordAccepted,
		ObservedAddr:     observed,
		ProtocolVersion:  msg.ProtocolVersion,
		AgentVersion:     msg.AgentVersion,
	}, nil
}

// acceptSignedRecord verifies a signed peer record envelope and enforces
// the sequence-monotonicity invariant against any already-stored record
// (spec §4.6, §4.8 invariant (b)).
func (s *Service) acceptSignedRecord(remote peer.ID, raw []byte) (bool, *record.Envelope, error) {
	env, err := record.Unmarshal(raw)
	if err != nil {
		return false, nil, err
	}
	ok, err := env.Verify()
	if err != nil || !ok {
		return false, nil, fmt.Errorf("signature verification failed")
	}
	signerID, err := peer.IDFromPublicKey(env.PublicKey)
	if err != nil || signerID != remote {
		return false, nil, fmt.Errorf("envelope signer does not match remote peer")
	}
	rec, err := record.UnmarshalPeerRecord(env.RawPayload)
	if err != nil {
		return false, nil, err
	}
	if rec.PeerID != remote {
		return false, nil, fmt.Errorf("peer record id does not match remote peer")
	}

	if existing, err := s.peerstore.Get(remote); err == nil && len(existing.Envelope) > 0 {
		if existingRec, err := record.UnmarshalPeerRecord(envelopePayload(existing.Envelope)); err == nil {
			if existingRec.Seq >= rec.Seq {
				// The stored record wins; not an error, just not an update.
				return false, env, nil
			}
		}
	}
	return true, env, nil
}

func envelopePayload(raw []byte) []byte {
	env, err := record.Unmarshal(raw)
	if err != nil {
		return nil
	}
	return env.RawPayload
}

// stripSelfSuffix drops a trailing /p2p/<self> component from each address,
// matching spec §4.6's "addresses from Address Manager with self-peer-id
// stripped".
func stripSelfSuffix(addrs []ma.Multiaddr, self peer.ID) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if transport, id := peer.SplitAddr(a); id == self {
			out = append(out, transport)
		} else {
			out = append(out, a)
		}
	}
	return out
}

// readMessage reads one length-prefixed Identify message off stream, using
// go-msgio's plain varint framing (spec §4.6 "a single length-prefixed
// Identify message").
func readMessage(stream network.Stream) (*Message, error) {
	r := msgio.NewVarintReader(stream)
	defer r.Close()
	b, err := r.ReadMsg()
	if err != nil {
		return nil, err
	}
	return UnmarshalMessage(b)
}

// writeMessage writes one length-prefixed Identify message to stream.
func writeMessage(stream network.Stream, msg *Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	w := msgio.NewVarintWriter(stream)
	defer w.Close()
	return w.WriteMsg(b)
}
