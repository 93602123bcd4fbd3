// Package addrmgr implements the Address Manager (spec §4.7): the node's
// configured listen/announce address lists, its observed-address set with
// a confidence flag, and the composition logic behind getAddresses(). No
// repository in this corpus carries a standalone address-manager component
// (it's folded into the teacher's identify package as unexported
// ObservedAddrManager, whose source file was trimmed from this retrieval
// pack — only its test survived). This package is built from scratch,
// reusing the teacher's general debounce idiom (benbjohnson/clock-driven
// coalescing, also used by the teacher's own pstoremem TTL tests) and this
// module's peer.SplitAddr/ma.SplitFirst helpers for address surgery.
package addrmgr

import (
	"sync"
	"time"

	"github.com/meshward/go-p2pnode/core/event"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/peerstore"

	clockwork "github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
)

var log = logging.Logger("addrmgr")

// DebounceInterval is the coalescing window for self:peer:update emissions
// and peer-store self-entry patches (spec §4.7).
const DebounceInterval = 1 * time.Second

type observedAddr struct {
	addr      ma.Multiaddr
	confident bool
	observers map[peer.ID]struct{}
}

// confirmThreshold is how many distinct peers must report observing the
// same address before ObserveFrom promotes it to confident.
const confirmThreshold = 4

// Config bundles construction-time address lists and the optional
// announce filter.
type Config struct {
	ListenAddrs      []ma.Multiaddr
	AnnounceAddrs    []ma.Multiaddr
	AnnounceFilter   func([]ma.Multiaddr) []ma.Multiaddr
	DebounceInterval time.Duration
	Clock            clockwork.Clock
}

// TransportListenAddrsFunc returns the swarm's live transport listen
// addresses; the Manager falls back to it when no announce addresses are
// configured.
type TransportListenAddrsFunc func() []ma.Multiaddr

// Manager is the concrete Address Manager.
type Manager struct {
	self      peer.ID
	peerstore peerstore.Peerstore
	listenFn  TransportListenAddrsFunc

	mu            sync.Mutex
	listenAddrs   []ma.Multiaddr
	announceAddrs []ma.Multiaddr
	observed      map[string]*observedAddr
	dnsDomainToIPs map[string]map[string]struct{}
	ipToDomain     map[string]string
	announceFilter func([]ma.Multiaddr) []ma.Multiaddr

	clock    clockwork.Clock
	debounce time.Duration
	timer    *clockwork.Timer
	dirty    bool

	emitter event.Emitter
}

// New constructs a Manager. listenFn may be nil if it will be supplied
// later via SetTransportListenAddrsFunc (broken to avoid an import cycle
// with the swarm, which is constructed before the Address Manager).
func New(self peer.ID, ps peerstore.Peerstore, bus event.Bus, listenFn TransportListenAddrsFunc, cfg Config) (*Manager, error) {
	debounce := cfg.DebounceInterval
	if debounce == 0 {
		debounce = DebounceInterval
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.New()
	}

	m := &Manager{
		self:           self,
		peerstore:      ps,
		listenFn:       listenFn,
		listenAddrs:    append([]ma.Multiaddr(nil), cfg.ListenAddrs...),
		announceAddrs:  append([]ma.Multiaddr(nil), cfg.AnnounceAddrs...),
		observed:       make(map[string]*observedAddr),
		dnsDomainToIPs: make(map[string]map[string]struct{}),
		ipToDomain:     make(map[string]string),
		announceFilter: cfg.AnnounceFilter,
		clock:          clk,
		debounce:       debounce,
	}

	if bus != nil {
		emitter, err := bus.Emitter(&event.EvtLocalAddressesUpdated{})
		if err != nil {
			return nil, err
		}
		m.emitter = emitter
	}
	return m, nil
}

// SetTransportListenAddrsFunc wires the swarm's live listen addresses in
// after construction.
func (m *Manager) SetTransportListenAddrsFunc(fn TransportListenAddrsFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenFn = fn
}

// GetListenAddrs returns the configured listen address list.
func (m *Manager) GetListenAddrs() []ma.Multiaddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ma.Multiaddr(nil), m.listenAddrs...)
}

// GetAnnounceAddrs returns the configured announce address list.
func (m *Manager) GetAnnounceAddrs() []ma.Multiaddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ma.Multiaddr(nil), m.announceAddrs...)
}

// GetObservedAddrs returns every address peers have reported observing us
// dial from, confident or not.
func (m *Manager) GetObservedAddrs() []ma.Multiaddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ma.Multiaddr, 0, len(m.observed))
	for _, oa := range m.observed {
		out = append(out, oa.addr)
	}
	return out
}

// AddObservedAddr inserts a into the observed set with confident=false
// unless it is already present (spec §4.7).
func (m *Manager) AddObservedAddr(a ma.Multiaddr) {
	if a == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := a.String()
	if _, ok := m.observed[key]; ok {
		return
	}
	m.observed[key] = &observedAddr{addr: a}
}

// ConfirmObservedAddr flips an observed address to confident=true; if this
// is a transition, it debounce-emits self:peer:update at DebounceInterval
// (spec §4.7).
func (m *Manager) ConfirmObservedAddr(a ma.Multiaddr) {
	if a == nil {
		return
	}
	m.mu.Lock()
	oa, ok := m.observed[a.String()]
	if !ok {
		oa = &observedAddr{addr: a}
		m.observed[a.String()] = oa
	}
	wasConfident := oa.confident
	oa.confident = true
	m.mu.Unlock()

	if !wasConfident {
		m.scheduleUpdate()
	}
}

// ObserveFrom records a from an identify exchange with observer, and
// promotes it to confident once confirmThreshold distinct peers have
// reported observing it — this is how the Identify Service drives
// addObservedAddr/confirmObservedAddr together (spec §4.6's "observedAddr
// ... is fed to Address Manager's observed set").
func (m *Manager) ObserveFrom(observer peer.ID, a ma.Multiaddr) {
	if a == nil || observer == "" {
		return
	}
	m.AddObservedAddr(a)

	m.mu.Lock()
	oa, ok := m.observed[a.String()]
	if !ok {
		m.mu.Unlock()
		return
	}
	if oa.observers == nil {
		oa.observers = make(map[peer.ID]struct{})
	}
	oa.observers[observer] = struct{}{}
	shouldConfirm := !oa.confident && len(oa.observers) >= confirmThreshold
	m.mu.Unlock()

	if shouldConfirm {
		m.ConfirmObservedAddr(a)
	}
}

// RemoveObservedAddr deletes a from the observed set.
func (m *Manager) RemoveObservedAddr(a ma.Multiaddr) {
	if a == nil {
		return
	}
	m.mu.Lock()
	_, existed := m.observed[a.String()]
	delete(m.observed, a.String())
	m.mu.Unlock()
	if existed {
		m.scheduleUpdate()
	}
}

// NotifyListenChanged schedules a debounced self-entry patch; callers
// invoke this whenever a transport starts or stops listening (spec §4.7
// "Whenever transports start or stop listening... it patches Peer Store
// self-entry").
func (m *Manager) NotifyListenChanged() {
	m.scheduleUpdate()
}

// AddDNSMapping registers a domain -> ip set used by GetAddresses to
// rewrite IP address components to DNS names (spec §4.7).
func (m *Manager) AddDNSMapping(domain string, ips []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		set[ip] = struct{}{}
		m.ipToDomain[ip] = domain
	}
	m.dnsDomainToIPs[domain] = set
}

// RemoveDNSMapping removes a previously registered domain mapping.
func (m *Manager) RemoveDNSMapping(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ip := range m.dnsDomainToIPs[domain] {
		delete(m.ipToDomain, ip)
	}
	delete(m.dnsDomainToIPs, domain)
}

// GetAddresses composes the node's advertised address set per spec §4.7's
// algorithm: announce addresses if configured, else live transport listen
// addresses; plus confident observed addresses; DNS-rewritten; deduped;
// with /p2p/<self> appended to entries that lack it; finally passed through
// an optional announce filter.
func (m *Manager) GetAddresses() []ma.Multiaddr {
	m.mu.Lock()
	var base []ma.Multiaddr
	if len(m.announceAddrs) > 0 {
		base = append(base, m.announceAddrs...)
	} else if m.listenFn != nil {
		base = append(base, m.listenFn()...)
	}
	for _, oa := range m.observed {
		if oa.confident {
			base = append(base, oa.addr)
		}
	}
	base = m.rewriteDNSLocked(base)
	filter := m.announceFilter
	self := m.self
	m.mu.Unlock()

	deduped := dedupeAddrs(base)

	out := make([]ma.Multiaddr, 0, len(deduped))
	for _, a := range deduped {
		if _, id := peer.SplitAddr(a); id == "" {
			if withPeer, err := ma.NewMultiaddr(a.String() + "/p2p/" + self.String()); err == nil {
				a = withPeer
			}
		}
		out = append(out, a)
	}

	if filter != nil {
		out = filter(out)
	}
	return out
}

func (m *Manager) rewriteDNSLocked(addrs []ma.Multiaddr) []ma.Multiaddr {
	if len(m.ipToDomain) == 0 {
		return addrs
	}
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, m.rewriteOneDNS(a))
	}
	return out
}

func (m *Manager) rewriteOneDNS(a ma.Multiaddr) ma.Multiaddr {
	head, tailAddr := ma.SplitFirst(a)
	if head == nil {
		return a
	}
	code := head.Protocol().Code
	if code != ma.P_IP4 && code != ma.P_IP6 {
		return a
	}
	domain, ok := m.ipToDomain[head.Value()]
	if !ok {
		return a
	}
	dnsProto := "dns4"
	if code == ma.P_IP6 {
		dnsProto = "dns6"
	}
	dnsComp, err := ma.NewComponent(dnsProto, domain)
	if err != nil {
		return a
	}
	joined := ma.Multiaddr{*dnsComp}
	if tailAddr != nil {
		joined = joined.Encapsulate(tailAddr)
	}
	return joined
}

func dedupeAddrs(addrs []ma.Multiaddr) []ma.Multiaddr {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		k := a.String()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, a)
	}
	return out
}

// scheduleUpdate debounces self:peer:update emission and the self-entry
// peer store patch at DebounceInterval (spec §4.7).
func (m *Manager) scheduleUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = true
	if m.timer != nil {
		return
	}
	m.timer = m.clock.AfterFunc(m.debounce, m.fireUpdate)
}

func (m *Manager) fireUpdate() {
	m.mu.Lock()
	m.timer = nil
	if !m.dirty {
		m.mu.Unlock()
		return
	}
	m.dirty = false
	m.mu.Unlock()

	addrs := m.GetAddresses()

	infos := make([]peerstore.AddrInfo, len(addrs))
	for i, a := range addrs {
		infos[i] = peerstore.AddrInfo{Addr: a}
	}
	if m.peerstore != nil {
		if err := m.peerstore.Patch(m.self, peerstore.Patch{Addrs: infos}); err != nil {
			log.Warnf("failed to patch self peer store entry: %s", err)
		}
	}

	if m.emitter != nil {
		if err := m.emitter.Emit(event.EvtLocalAddressesUpdated{Diffs: true}); err != nil {
			log.Debugf("failed to emit address update: %s", err)
		}
	}
}

// Close releases the Manager's event emitter.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	if m.emitter != nil {
		return m.emitter.Close()
	}
	return nil
}
