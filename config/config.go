// Package config builds a Node Facade from functional options (spec §9's
// Components-bag design): it allocates every collaborator named in spec §4
// (Peer Store, Registrar, Upgrader, Swarm, Connection Manager, Address
// Manager, Identify Service, Ping Service), wires them together, and hands
// back a core/host.Host. Grounded on the teacher's root-level config.Config
// (referenced by the teacher's libp2p.go/defaults.go), rescoped to the
// in-scope stand-in transports/security/muxers named in spec §8 instead of
// the teacher's concrete TCP/QUIC/WebRTC/WebTransport/TLS/Noise stack, which
// spec §0 places out of scope.
package config

import (
	"errors"
	"fmt"

	"github.com/meshward/go-p2pnode/core/connmgr"
	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/event"
	"github.com/meshward/go-p2pnode/core/host"
	"github.com/meshward/go-p2pnode/core/muxer"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/peerstore"
	"github.com/meshward/go-p2pnode/core/sec"
	"github.com/meshward/go-p2pnode/core/transport"
	"github.com/meshward/go-p2pnode/p2p/host/addrmgr"
	"github.com/meshward/go-p2pnode/p2p/host/basichost"
	"github.com/meshward/go-p2pnode/p2p/host/eventbus"
	"github.com/meshward/go-p2pnode/p2p/host/peerstore/pstoremem"
	"github.com/meshward/go-p2pnode/p2p/muxer/simplemux"
	connmgrimpl "github.com/meshward/go-p2pnode/p2p/net/connmgr"
	"github.com/meshward/go-p2pnode/p2p/net/registrar"
	"github.com/meshward/go-p2pnode/p2p/net/swarm"
	"github.com/meshward/go-p2pnode/p2p/net/upgrader"
	"github.com/meshward/go-p2pnode/p2p/protocol/identify"
	"github.com/meshward/go-p2pnode/p2p/protocol/ping"
	"github.com/meshward/go-p2pnode/p2p/security/plaintext"
	memtransport "github.com/meshward/go-p2pnode/p2p/transport/memory"

	ma "github.com/multiformats/go-multiaddr"
)

// Config collects every option a caller has supplied. Zero-valued fields
// are filled with the in-scope stand-in defaults by NewNode.
type Config struct {
	PeerKey crypto.PrivKey

	ListenAddrs []ma.Multiaddr

	Transports []transport.Transport
	Security   []sec.SecureTransport
	Muxers     []muxer.Factory

	Peerstore   peerstore.Peerstore
	ConnManager connmgr.ConnManager
	Gater       connmgr.ConnectionGater
	EventBus    event.Bus

	SwarmConfig   swarm.Config
	AddrMgrConfig addrmgr.Config

	IdentifyProtocolVersion string
	IdentifyUserAgent       string

	DisableIdentify bool
	DisablePing     bool
}

// Option mutates a Config being built up by Apply. Options return an error
// so validating options (e.g. a malformed listen address) can fail fast.
type Option func(*Config) error

// Apply runs every option against cfg in order.
func (cfg *Config) Apply(opts ...Option) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return fmt.Errorf("config: applying option: %w", err)
		}
	}
	return nil
}

// ChainOptions folds a list of options into one, applied in order. Useful
// for building a named preset out of several smaller options.
func ChainOptions(opts ...Option) Option {
	return func(cfg *Config) error {
		return cfg.Apply(opts...)
	}
}

// NewNode allocates and wires every collaborator named in spec §4, filling
// any option the caller didn't set with an in-scope stand-in default, and
// returns the resulting Node Facade. This is the two-phase "allocate, then
// wire, then start" construction spec §9 calls for: every collaborator
// below is fully constructed and cross-referenced before BasicHost.Start
// runs as NewNode's last step.
func (cfg *Config) NewNode() (host.Host, error) {
	if cfg.PeerKey == nil {
		sk, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
		if err != nil {
			return nil, fmt.Errorf("config: generating identity: %w", err)
		}
		cfg.PeerKey = sk
	}
	self, err := peer.IDFromPrivateKey(cfg.PeerKey)
	if err != nil {
		return nil, fmt.Errorf("config: deriving peer id: %w", err)
	}

	if cfg.Peerstore == nil {
		cfg.Peerstore = pstoremem.NewPeerstore()
	}
	if cfg.EventBus == nil {
		cfg.EventBus = eventbus.NewBus()
	}
	if cfg.Security == nil {
		cfg.Security = []sec.SecureTransport{plaintext.New(cfg.PeerKey, self)}
	}
	if cfg.Muxers == nil {
		cfg.Muxers = []muxer.Factory{simplemux.TransportFactory{}}
	}
	if cfg.Transports == nil {
		cfg.Transports = []transport.Transport{memtransport.New(self)}
	}
	if len(cfg.ListenAddrs) == 0 {
		addr, err := ma.NewMultiaddr(fmt.Sprintf("/memory/%s", self.String()))
		if err != nil {
			return nil, fmt.Errorf("config: building default listen address: %w", err)
		}
		cfg.ListenAddrs = []ma.Multiaddr{addr}
	}
	if cfg.SwarmConfig.DialTimeout == 0 {
		cfg.SwarmConfig = swarm.DefaultConfig()
	}

	reg := registrar.New()
	upg := upgrader.New(cfg.Security, cfg.Muxers, cfg.Gater)
	sw := swarm.New(self, cfg.Peerstore, upg, reg, cfg.Gater, cfg.SwarmConfig)

	for _, t := range cfg.Transports {
		if err := sw.AddTransport(t); err != nil {
			return nil, fmt.Errorf("config: registering transport %s: %w", t.Tag(), err)
		}
	}

	if cfg.ConnManager == nil {
		cm, err := connmgrimpl.New(connmgrimpl.DefaultConfig(), sw, cfg.Peerstore)
		if err != nil {
			return nil, fmt.Errorf("config: building connection manager: %w", err)
		}
		cfg.ConnManager = cm
	}

	h, err := basichost.New(sw, basichost.Config{
		Registrar:   reg,
		Peerstore:   cfg.Peerstore,
		ConnManager: cfg.ConnManager,
		EventBus:    cfg.EventBus,
	})
	if err != nil {
		return nil, err
	}

	addrCfg := cfg.AddrMgrConfig
	addrCfg.ListenAddrs = cfg.ListenAddrs
	addrMgr, err := addrmgr.New(self, cfg.Peerstore, cfg.EventBus, sw.ListenAddresses, addrCfg)
	if err != nil {
		return nil, fmt.Errorf("config: building address manager: %w", err)
	}
	h.Attach(nil, addrMgr.Close)

	if err := sw.Listen(cfg.ListenAddrs...); err != nil {
		return nil, fmt.Errorf("config: listening: %w", err)
	}
	addrMgr.NotifyListenChanged()

	if !cfg.DisableIdentify {
		idServ, err := identify.New(identify.Config{
			Self:            self,
			PrivKey:         cfg.PeerKey,
			Network:         sw,
			Registrar:       reg,
			AddrMgr:         addrMgr,
			Peerstore:       cfg.Peerstore,
			Bus:             cfg.EventBus,
			ProtocolVersion: cfg.IdentifyProtocolVersion,
			UserAgent:       cfg.IdentifyUserAgent,
		})
		if err != nil {
			return nil, fmt.Errorf("config: building identify service: %w", err)
		}
		h.Attach(idServ.Start, idServ.Close)
	}

	if !cfg.DisablePing {
		ping.NewPingService(h)
	}

	h.Start()
	return h, nil
}

var errNilOption = errors.New("config: nil option")

// WithIdentity sets the node's static Ed25519 (or other supported) key
// pair; without this option NewNode generates a random Ed25519 identity.
func WithIdentity(sk crypto.PrivKey) Option {
	return func(cfg *Config) error {
		if sk == nil {
			return errNilOption
		}
		cfg.PeerKey = sk
		return nil
	}
}

// WithListenAddrs sets the addresses the node listens on.
func WithListenAddrs(addrs ...ma.Multiaddr) Option {
	return func(cfg *Config) error {
		cfg.ListenAddrs = append(cfg.ListenAddrs, addrs...)
		return nil
	}
}

// WithTransports overrides the default in-scope memory transport.
func WithTransports(ts ...transport.Transport) Option {
	return func(cfg *Config) error {
		cfg.Transports = append(cfg.Transports, ts...)
		return nil
	}
}

// WithSecurity overrides the default in-scope plaintext security transport.
func WithSecurity(sts ...sec.SecureTransport) Option {
	return func(cfg *Config) error {
		cfg.Security = append(cfg.Security, sts...)
		return nil
	}
}

// WithMuxers overrides the default in-scope simplemux stream muxer.
func WithMuxers(ms ...muxer.Factory) Option {
	return func(cfg *Config) error {
		cfg.Muxers = append(cfg.Muxers, ms...)
		return nil
	}
}

// WithPeerstore overrides the default in-memory peerstore.
func WithPeerstore(ps peerstore.Peerstore) Option {
	return func(cfg *Config) error {
		cfg.Peerstore = ps
		return nil
	}
}

// WithConnectionManager overrides the default connection manager.
func WithConnectionManager(cm connmgr.ConnManager) Option {
	return func(cfg *Config) error {
		cfg.ConnManager = cm
		return nil
	}
}

// WithConnectionGater installs a connection gater consulted throughout the
// dial and upgrade pipeline.
func WithConnectionGater(g connmgr.ConnectionGater) Option {
	return func(cfg *Config) error {
		cfg.Gater = g
		return nil
	}
}

// WithEventBus overrides the default event bus.
func WithEventBus(bus event.Bus) Option {
	return func(cfg *Config) error {
		cfg.EventBus = bus
		return nil
	}
}

// WithUserAgent sets the string the Identify Service advertises.
func WithUserAgent(ua string) Option {
	return func(cfg *Config) error {
		cfg.IdentifyUserAgent = ua
		return nil
	}
}

// DisableIdentify skips starting the Identify Service.
func DisableIdentify() Option {
	return func(cfg *Config) error {
		cfg.DisableIdentify = true
		return nil
	}
}

// DisablePing skips registering the Ping Service's handler.
func DisablePing() Option {
	return func(cfg *Config) error {
		cfg.DisablePing = true
		return nil
	}
}
