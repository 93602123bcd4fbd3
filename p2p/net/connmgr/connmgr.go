// Package connmgr is the concrete Connection Manager (spec §4.5): a
// connection inventory keyed by peer id, tag-weighted pruning once the
// connection count exceeds a high watermark, an auto-dial loop that keeps
// the count above a low watermark, and a KEEP_ALIVE reconnect pass run once
// at startup. Grounded on the sharded-map tag tracker and grace-period
// pruning heuristic of phoreproject/go-phore-connmgr, simplified to a
// single mutex-guarded map (this module's connection counts don't warrant
// sharding) and adapted to this module's Dialer/Peerstore collaborators
// instead of a direct libp2p-core dependency.
package connmgr

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshward/go-p2pnode/core/connmgr"
	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/peerstore"

	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var log = logging.Logger("connmgr")

// KeepAliveTag exempts a peer's connections from pruning and schedules it
// for dialing on node startup (spec §4.5 "KEEP_ALIVE reconnect").
const KeepAliveTag = connmgr.KeepAliveTag

// AutoDialPriority names the priority level of auto-dial submissions (spec
// §4.5's AUTO_DIAL_PRIORITY). The Dial Queue in this module has no
// priorities: the auto-dial loop calls DialPeer like any other caller, and
// nothing reads this constant.
const AutoDialPriority = -1

var ErrInvalidWatermarks = errors.New("connmgr: low water mark must be <= high water mark")

// Dialer is the subset of *swarm.Swarm the connection manager drives its
// pruning and auto-dial loops against.
type Dialer interface {
	DialPeer(ctx context.Context, p peer.ID) (network.Conn, error)
	Peers() []peer.ID
	Conns() []network.Conn
	ConnsToPeer(p peer.ID) []network.Conn
	ClosePeer(p peer.ID) error
}

// Config bundles the Limits of spec §4.5.
type Config struct {
	MinConnections                int
	MaxConnections                int
	GracePeriod                   time.Duration
	InboundConnectionThreshold    rate.Limit
	MaxIncomingPendingConnections int64
	InboundUpgradeTimeout         time.Duration
}

// DefaultConfig matches the teacher's defaults.go connection-manager
// tunables, adapted to this spec's named fields.
func DefaultConfig() Config {
	return Config{
		MinConnections:                32,
		MaxConnections:                96,
		GracePeriod:                   20 * time.Second,
		InboundConnectionThreshold:    64,
		MaxIncomingPendingConnections: 256,
		InboundUpgradeTimeout:         60 * time.Second,
	}
}

type peerInfo struct {
	id        peer.ID
	tags      map[string]int
	protected map[string]struct{}
	firstSeen time.Time
	conns     map[network.Conn]struct{}
}

func (pi *peerInfo) value() int {
	v := 0
	for _, val := range pi.tags {
		v += val
	}
	return v
}

func (pi *peerInfo) isProtected() bool {
	return len(pi.protected) > 0
}

// Manager is the concrete core/connmgr.ConnManager plus the host-level
// supervisory loops named in spec §4.5.
type Manager struct {
	cfg Config

	dialer    Dialer
	peerstore peerstore.Peerstore

	mu    sync.Mutex
	peers map[peer.ID]*peerInfo

	trimRunning chan struct{}

	autoDialRunning atomic.Bool
	dialing         sync.Map // peer.ID -> struct{}, peers currently being auto-dialed

	inboundLimiter  *rate.Limiter
	pendingUpgrades *semaphore.Weighted

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ connmgr.ConnManager = (*Manager)(nil)

// New constructs a Manager. dialer and ps are typically a *swarm.Swarm and
// its backing peerstore.Peerstore.
func New(cfg Config, dialer Dialer, ps peerstore.Peerstore) (*Manager, error) {
	if cfg.MaxConnections < cfg.MinConnections {
		return nil, ErrInvalidWatermarks
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:             cfg,
		dialer:          dialer,
		peerstore:       ps,
		peers:           make(map[peer.ID]*peerInfo),
		trimRunning:     make(chan struct{}, 1),
		inboundLimiter:  rate.NewLimiter(cfg.InboundConnectionThreshold, int(cfg.InboundConnectionThreshold)),
		pendingUpgrades: semaphore.NewWeighted(cfg.MaxIncomingPendingConnections),
		ctx:             ctx,
		cancel:          cancel,
	}
	return m, nil
}

func (m *Manager) peerInfoFor(p peer.ID) *peerInfo {
	pi, ok := m.peers[p]
	if ok {
		return pi
	}
	pi = &peerInfo{
		id:        p,
		tags:      make(map[string]int),
		protected: make(map[string]struct{}),
		firstSeen: time.Now(),
		conns:     make(map[network.Conn]struct{}),
	}
	m.peers[p] = pi
	return pi
}

// TagPeer implements connmgr.ConnManager.
func (m *Manager) TagPeer(p peer.ID, tag string, val int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi := m.peerInfoFor(p)
	pi.tags[tag] = val
}

// UntagPeer implements connmgr.ConnManager.
func (m *Manager) UntagPeer(p peer.ID, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.peers[p]
	if !ok {
		return
	}
	delete(pi.tags, tag)
}

// UpsertTag implements connmgr.ConnManager.
func (m *Manager) UpsertTag(p peer.ID, tag string, upsert func(int) int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi := m.peerInfoFor(p)
	pi.tags[tag] = upsert(pi.tags[tag])
}

// GetTagInfo implements connmgr.ConnManager.
func (m *Manager) GetTagInfo(p peer.ID) *connmgr.TagInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.peers[p]
	if !ok {
		return nil
	}
	out := &connmgr.TagInfo{FirstSeen: pi.firstSeen, Tags: make(map[string]int, len(pi.tags))}
	for k, v := range pi.tags {
		out.Tags[k] = v
	}
	return out
}

// Protect implements connmgr.ConnManager.
func (m *Manager) Protect(id peer.ID, tag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi := m.peerInfoFor(id)
	pi.protected[tag] = struct{}{}
}

// Unprotect implements connmgr.ConnManager.
func (m *Manager) Unprotect(id peer.ID, tag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.peers[id]
	if !ok {
		return false
	}
	delete(pi.protected, tag)
	return pi.isProtected()
}

// IsProtected implements connmgr.ConnManager.
func (m *Manager) IsProtected(id peer.ID, tag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pi, ok := m.peers[id]
	if !ok {
		return false
	}
	_, protected := pi.protected[tag]
	return protected
}

func (m *Manager) Close() error {
	m.closeOnce.Do(m.cancel)
	return nil
}

// Notifee returns the sink through which the Network informs the Manager of
// connection lifecycle events, driving the pruning trigger on open and
// bookkeeping cleanup on close (spec §4.5 "Triggered on every
// connection:open").
func (m *Manager) Notifee() network.Notifiee {
	return (*cmNotifee)(m)
}

type cmNotifee Manager

func (n *cmNotifee) mgr() *Manager { return (*Manager)(n) }

func (n *cmNotifee) Listen(network.Network, ma.Multiaddr) {}

func (n *cmNotifee) ListenClose(network.Network, ma.Multiaddr) {}

func (n *cmNotifee) Connected(_ network.Network, c network.Conn) {
	m := n.mgr()
	m.mu.Lock()
	pi := m.peerInfoFor(c.RemotePeer())
	pi.conns[c] = struct{}{}
	count := m.connCountLocked()
	m.mu.Unlock()

	if count > m.cfg.MaxConnections {
		go m.TrimOpenConns(m.ctx)
	}
}

func (n *cmNotifee) Disconnected(_ network.Network, c network.Conn) {
	m := n.mgr()
	m.mu.Lock()
	if pi, ok := m.peers[c.RemotePeer()]; ok {
		delete(pi.conns, c)
	}
	m.mu.Unlock()
}

func (m *Manager) connCountLocked() int {
	n := 0
	for _, pi := range m.peers {
		n += len(pi.conns)
	}
	return n
}

// TrimOpenConns implements connmgr.ConnManager: spec §4.5's pruning policy.
// Only one trim runs at a time; a concurrent call is dropped, not queued.
func (m *Manager) TrimOpenConns(ctx context.Context) {
	select {
	case m.trimRunning <- struct{}{}:
	default:
		return
	}
	defer func() { <-m.trimRunning }()

	for _, c := range m.connsToClose() {
		log.Debugf("pruning connection to %s", c.RemotePeer())
		c.Close()
	}
}

type rankedPeer struct {
	pi    *peerInfo
	value int
}

// connsToClose picks the connections to prune (spec §4.5): protected,
// KEEP_ALIVE-tagged and still-in-grace-period peers are never candidates;
// the remaining peers are ordered by ascending summed tag value, then by
// first-seen time (older first), and their connections are taken from the
// head of that order until the count is back at MaxConnections.
func (m *Manager) connsToClose() []network.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.connCountLocked()
	if total <= m.cfg.MaxConnections {
		return nil
	}
	now := time.Now()

	candidates := make([]rankedPeer, 0, len(m.peers))
	for _, pi := range m.peers {
		if pi.isProtected() {
			continue
		}
		if _, ok := pi.tags[KeepAliveTag]; ok {
			continue
		}
		if pi.firstSeen.Add(m.cfg.GracePeriod).After(now) {
			continue
		}
		if len(pi.conns) == 0 {
			continue
		}
		candidates = append(candidates, rankedPeer{pi: pi, value: pi.value()})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].value != candidates[j].value {
			return candidates[i].value < candidates[j].value // lowest value pruned first
		}
		return candidates[i].pi.firstSeen.Before(candidates[j].pi.firstSeen) // older pruned first
	})

	target := total - m.cfg.MaxConnections
	out := make([]network.Conn, 0, target)
	for _, rp := range candidates {
		if target <= 0 {
			break
		}
		for c := range rp.pi.conns {
			if target <= 0 {
				break
			}
			out = append(out, c)
			target--
		}
	}
	return out
}

// GetConnections returns the live connections to a peer (spec §4.5
// "getConnections(peerId)").
func (m *Manager) GetConnections(p peer.ID) []network.Conn {
	return m.dialer.ConnsToPeer(p)
}

// GetConnectionsMap returns every live connection keyed by remote peer
// (spec §4.5 "getConnectionsMap()").
func (m *Manager) GetConnectionsMap() map[peer.ID][]network.Conn {
	out := make(map[peer.ID][]network.Conn)
	for _, c := range m.dialer.Conns() {
		out[c.RemotePeer()] = append(out[c.RemotePeer()], c)
	}
	return out
}

// OpenConnection is a thin wrapper around the Dial Queue (spec §4.5
// "openConnection(target, options)").
func (m *Manager) OpenConnection(ctx context.Context, target peer.ID) (network.Conn, error) {
	return m.dialer.DialPeer(ctx, target)
}

// CloseConnections closes every live connection to a peer (spec §4.5
// "closeConnections(peerId)").
func (m *Manager) CloseConnections(p peer.ID) error {
	return m.dialer.ClosePeer(p)
}

// DialQueue returns the collaborator backing the Dial Queue (spec §4.5
// "getDialQueue()"); in this module the swarm owns dial deduplication and
// racing directly, so the Manager simply hands back its Dialer reference.
func (m *Manager) DialQueue() Dialer {
	return m.dialer
}

// Start runs the KEEP_ALIVE reconnect pass (spec §4.5) and launches the
// auto-dial loop's supervisory goroutine. Call once, after Listen.
func (m *Manager) Start(ctx context.Context) {
	go m.keepAliveReconnect(ctx)
	go m.autoDialSupervisor(ctx)
}

// keepAliveReconnect enumerates Peer Store entries tagged KEEP_ALIVE and
// submits each to the Dial Queue (spec §4.5 "On node start").
func (m *Manager) keepAliveReconnect(ctx context.Context) {
	entries := m.peerstore.All(func(e peerstore.Entry) bool {
		_, ok := e.Tags[KeepAliveTag]
		return ok
	})
	for _, e := range entries {
		e := e
		go func() {
			if _, err := m.dialer.DialPeer(ctx, e.ID); err != nil {
				log.Debugf("keep-alive reconnect to %s failed: %s", e.ID, err)
			}
		}()
	}
}

// autoDialSupervisor re-evaluates the connection count periodically and
// runs at most one auto-dial pass at a time (spec §4.5 "Runs at most one
// pass concurrently").
func (m *Manager) autoDialSupervisor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	m.maybeAutoDial(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.maybeAutoDial(ctx)
		}
	}
}

func (m *Manager) maybeAutoDial(ctx context.Context) {
	if !m.autoDialRunning.CompareAndSwap(false, true) {
		return
	}
	defer m.autoDialRunning.Store(false)
	m.runAutoDialPass(ctx)
}

func (m *Manager) connectedCount() int {
	return len(m.dialer.Peers())
}

// runAutoDialPass implements spec §4.5's auto-dial loop body.
func (m *Manager) runAutoDialPass(ctx context.Context) {
	for m.connectedCount() < m.cfg.MinConnections {
		candidates := m.peerstore.All(func(e peerstore.Entry) bool { return len(e.Addrs) > 0 })

		connected := make(map[peer.ID]struct{})
		for _, p := range m.dialer.Peers() {
			connected[p] = struct{}{}
		}

		ids := make([]peer.ID, 0, len(candidates))
		for _, e := range candidates {
			if e.ID == "" {
				continue
			}
			if _, ok := connected[e.ID]; ok {
				continue
			}
			if _, dialing := m.dialing.Load(e.ID); dialing {
				continue
			}
			ids = append(ids, e.ID)
		}
		if len(ids) == 0 {
			return
		}

		fisherYatesShuffle(ids)

		m.mu.Lock()
		values := make(map[peer.ID]int, len(ids))
		for _, id := range ids {
			if pi, ok := m.peers[id]; ok {
				values[id] = pi.value()
			}
		}
		m.mu.Unlock()
		sort.SliceStable(ids, func(i, j int) bool { return values[ids[i]] > values[ids[j]] })

		need := m.cfg.MinConnections - m.connectedCount()
		if need <= 0 {
			return
		}
		if need < len(ids) {
			ids = ids[:need]
		}

		var wg sync.WaitGroup
		for _, id := range ids {
			id := id
			m.dialing.Store(id, struct{}{})
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer m.dialing.Delete(id)
				if _, err := m.dialer.DialPeer(ctx, id); err != nil {
					log.Debugf("auto-dial to %s failed: %s", id, err)
				}
			}()
		}
		wg.Wait()
	}
}

// fisherYatesShuffle performs an unbiased in-place shuffle (spec §9 open
// question 4: the source's biased `rand() > 0.5` compare is replaced with a
// proper Fisher-Yates shuffle here).
func fisherYatesShuffle(ids []peer.ID) {
	for i := len(ids) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		ids[i], ids[j] = ids[j], ids[i]
	}
}

// AllowUpgrade reserves a slot against MaxIncomingPendingConnections (spec
// §4.5's "cap on upgrades in flight"); callers must invoke the returned
// release function once the upgrade attempt completes, successfully or not.
func (m *Manager) AllowUpgrade(ctx context.Context) (release func(), err error) {
	if err := m.pendingUpgrades.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() { once.Do(func() { m.pendingUpgrades.Release(1) }) }, nil
}

// AllowInboundAccept enforces InboundConnectionThreshold: over-rate
// TCP-level accepts are dropped without upgrade (spec §4.5).
func (m *Manager) AllowInboundAccept() bool {
	return m.inboundLimiter.Allow()
}
