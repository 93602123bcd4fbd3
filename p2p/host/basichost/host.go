// Package basichost implements the Node Facade named in spec §9's
// "Components bag" redesign note: lifecycle (start/stop), event bus access,
// and the high-level dial/handle/unhandle/ping surface of core/host.Host,
// composing an already-wired Network, Registrar, ConnManager, and Peerstore
// into one object. Grounded on the teacher's p2p/host/basic/basic_host.go
// composition shape, adapted to this module's package split: the teacher
// folds protocol multiplexing directly into BasicHost via go-multistream,
// whereas here that responsibility already lives in p2p/net/registrar, so
// BasicHost only wires to it and exposes it through the Switch adapter.
package basichost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshward/go-p2pnode/core/connmgr"
	"github.com/meshward/go-p2pnode/core/event"
	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/peerstore"
	"github.com/meshward/go-p2pnode/core/protocol"
	"github.com/meshward/go-p2pnode/p2p/net/registrar"
	"github.com/meshward/go-p2pnode/p2p/protocol/protoselect"

	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("basichost")

// DefaultNegotiationTimeout bounds outbound Protocol Select when the
// caller's context carries no deadline of its own.
const DefaultNegotiationTimeout = 10 * time.Second

// Config bundles BasicHost's construction-time collaborators. Registrar
// must be the same instance the Network hands inbound streams to, so that
// protocol negotiation and dispatch agree on what's registered.
type Config struct {
	Registrar          *registrar.Registrar
	Peerstore          peerstore.Peerstore
	ConnManager        connmgr.ConnManager
	EventBus           event.Bus
	NegotiationTimeout time.Duration
}

type lifecycle struct {
	start func()
	stop  func() error
}

// BasicHost is the concrete Node Facade: the object returned by New to
// callers of this module.
type BasicHost struct {
	net network.Network
	reg *registrar.Registrar
	mux *registrarSwitch
	ps  peerstore.Peerstore
	cm  connmgr.ConnManager
	bus event.Bus

	negotiationTimeout time.Duration

	lifecycles []lifecycle
}

// New wires a BasicHost around an already-constructed Network and Registrar.
// The returned host installs itself as the Network's inbound stream handler
// and connection notifee; callers must not also do so.
func New(n network.Network, cfg Config) (*BasicHost, error) {
	if n == nil {
		return nil, errors.New("basichost: Network is required")
	}
	if cfg.Registrar == nil {
		return nil, errors.New("basichost: Registrar is required")
	}
	if cfg.Peerstore == nil {
		return nil, errors.New("basichost: Peerstore is required")
	}
	if cfg.NegotiationTimeout == 0 {
		cfg.NegotiationTimeout = DefaultNegotiationTimeout
	}

	h := &BasicHost{
		net:                n,
		reg:                cfg.Registrar,
		mux:                newRegistrarSwitch(cfg.Registrar),
		ps:                 cfg.Peerstore,
		cm:                 cfg.ConnManager,
		bus:                cfg.EventBus,
		negotiationTimeout: cfg.NegotiationTimeout,
	}

	n.SetStreamHandler(h.reg.HandleInboundStream)
	if h.cm != nil {
		n.Notify(h.cm.Notifee())
	}

	return h, nil
}

// Attach registers an additional collaborator (e.g. Identify, the Address
// Manager) whose lifecycle this node drives alongside its own, per spec
// §9's two-phase allocate-then-wire construction: every collaborator is
// built and cross-wired before anything's Start runs.
func (h *BasicHost) Attach(start func(), stop func() error) {
	h.lifecycles = append(h.lifecycles, lifecycle{start: start, stop: stop})
}

// Start runs every attached collaborator's start hook. The Network itself
// has no separate start step; it begins accepting connections as soon as
// Listen is called.
func (h *BasicHost) Start() {
	for _, lc := range h.lifecycles {
		if lc.start != nil {
			lc.start()
		}
	}
}

func (h *BasicHost) ID() peer.ID { return h.net.LocalPeer() }

func (h *BasicHost) Peerstore() peerstore.Peerstore { return h.ps }

func (h *BasicHost) Addrs() []ma.Multiaddr { return h.net.ListenAddresses() }

func (h *BasicHost) Network() network.Network { return h.net }

func (h *BasicHost) Mux() protocol.Switch { return h.mux }

func (h *BasicHost) ConnManager() connmgr.ConnManager { return h.cm }

func (h *BasicHost) EventBus() event.Bus { return h.bus }

// Connect absorbs pi's addresses into the peerstore, then ensures a
// connection is established, dialing only if none already exists (spec §4.1
// "Connect").
func (h *BasicHost) Connect(ctx context.Context, pi peer.AddrInfo) error {
	if len(pi.Addrs) > 0 {
		addrs := make([]peerstore.AddrInfo, len(pi.Addrs))
		for i, a := range pi.Addrs {
			addrs[i] = peerstore.AddrInfo{Addr: a}
		}
		if err := h.ps.Merge(pi.ID, peerstore.Patch{Addrs: addrs}); err != nil {
			return fmt.Errorf("basichost: recording addresses for %s: %w", pi.ID, err)
		}
	}

	if h.net.Connectedness(pi.ID) == network.Connected {
		return nil
	}
	_, err := h.net.DialPeer(ctx, pi.ID)
	return err
}

func (h *BasicHost) SetStreamHandler(pid protocol.ID, handler network.StreamHandler) {
	h.reg.Handle(pid, handler, registrar.DefaultHandlerOptions())
}

func (h *BasicHost) SetStreamHandlerMatch(pid protocol.ID, match func(protocol.ID) bool, handler network.StreamHandler) {
	h.reg.HandleMatch(pid, match, handler, registrar.DefaultHandlerOptions())
}

func (h *BasicHost) RemoveStreamHandler(pid protocol.ID) {
	h.reg.Unhandle(pid)
}

// NewStream opens (or reuses) a connection to p, then negotiates the first
// of pids the remote also supports and returns the resulting stream (spec
// §4.1 "NewStream").
func (h *BasicHost) NewStream(ctx context.Context, p peer.ID, pids ...protocol.ID) (network.Stream, error) {
	conn, err := h.net.DialPeer(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("basichost: dialing %s: %w", p, err)
	}

	s, err := conn.NewStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("basichost: opening stream to %s: %w", p, err)
	}

	if len(pids) == 0 {
		return s, nil
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	} else {
		_ = s.SetDeadline(time.Now().Add(h.negotiationTimeout))
	}

	selected, err := protoselect.Select(s, pids)
	if err != nil {
		s.Reset()
		return nil, fmt.Errorf("basichost: negotiating protocol with %s: %w", p, err)
	}
	if err := s.SetProtocol(selected); err != nil {
		s.Reset()
		return nil, err
	}
	_ = s.SetDeadline(time.Time{})

	return s, nil
}

// Close shuts down every attached collaborator in reverse attach order,
// then the Network itself.
func (h *BasicHost) Close() error {
	var errs []error
	for i := len(h.lifecycles) - 1; i >= 0; i-- {
		if stop := h.lifecycles[i].stop; stop != nil {
			if err := stop(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := h.net.Close(); err != nil {
		errs = append(errs, err)
	}
	if h.cm != nil {
		if err := h.cm.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.ps.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
