package connmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/peerstore"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	remote peer.ID
	closed bool
	mu     sync.Mutex
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *fakeConn) CloseWithError(network.ConnErrorCode) error    { return c.Close() }
func (c *fakeConn) ID() string                                    { return string(c.remote) }
func (c *fakeConn) NewStream(context.Context) (network.Stream, error) { return nil, nil }
func (c *fakeConn) GetStreams() []network.Stream                  { return nil }
func (c *fakeConn) LocalPeer() peer.ID                             { return "self" }
func (c *fakeConn) RemotePeer() peer.ID                            { return c.remote }
func (c *fakeConn) RemotePublicKey() crypto.PubKey                 { return nil }
func (c *fakeConn) LocalMultiaddr() ma.Multiaddr                   { return nil }
func (c *fakeConn) RemoteMultiaddr() ma.Multiaddr                  { return nil }
func (c *fakeConn) Stat() network.ConnStats                        { return network.ConnStats{} }
func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ network.Conn = (*fakeConn)(nil)

type fakeDialer struct {
	mu    sync.Mutex
	conns map[peer.ID][]*fakeConn
}

func newFakeDialer() *fakeDialer { return &fakeDialer{conns: make(map[peer.ID][]*fakeConn)} }

func (d *fakeDialer) add(p peer.ID) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{remote: p}
	d.conns[p] = append(d.conns[p], c)
	return c
}

func (d *fakeDialer) DialPeer(context.Context, peer.ID) (network.Conn, error) { return nil, nil }

func (d *fakeDialer) Peers() []peer.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]peer.ID, 0, len(d.conns))
	for p := range d.conns {
		out = append(out, p)
	}
	return out
}

func (d *fakeDialer) Conns() []network.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []network.Conn
	for _, cs := range d.conns {
		for _, c := range cs {
			out = append(out, c)
		}
	}
	return out
}

func (d *fakeDialer) ConnsToPeer(p peer.ID) []network.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]network.Conn, len(d.conns[p]))
	for i, c := range d.conns[p] {
		out[i] = c
	}
	return out
}

func (d *fakeDialer) ClosePeer(p peer.ID) error {
	d.mu.Lock()
	cs := d.conns[p]
	delete(d.conns, p)
	d.mu.Unlock()
	for _, c := range cs {
		c.Close()
	}
	return nil
}

type fakePeerstore struct {
	peerstore.Peerstore
}

func (fakePeerstore) All(filter func(peerstore.Entry) bool) []peerstore.Entry { return nil }

func newManager(t *testing.T, low, high int) (*Manager, *fakeDialer) {
	t.Helper()
	d := newFakeDialer()
	cfg := DefaultConfig()
	cfg.MinConnections = low
	cfg.MaxConnections = high
	cfg.GracePeriod = 0
	m, err := New(cfg, d, fakePeerstore{})
	require.NoError(t, err)
	return m, d
}

func TestTagPeerAndGetTagInfo(t *testing.T) {
	m, _ := newManager(t, 0, 10)
	defer m.Close()

	p := peer.ID("peer-a")
	m.TagPeer(p, "useful", 5)
	m.TagPeer(p, "bonus", 3)

	info := m.GetTagInfo(p)
	require.NotNil(t, info)
	require.Equal(t, 8, info.Value())

	m.UntagPeer(p, "bonus")
	info = m.GetTagInfo(p)
	require.Equal(t, 5, info.Value())
}

func TestUpsertTag(t *testing.T) {
	m, _ := newManager(t, 0, 10)
	defer m.Close()

	p := peer.ID("peer-a")
	m.UpsertTag(p, "score", func(v int) int { return v + 1 })
	m.UpsertTag(p, "score", func(v int) int { return v + 1 })
	require.Equal(t, 2, m.GetTagInfo(p).Tags["score"])
}

func TestProtectUnprotect(t *testing.T) {
	m, _ := newManager(t, 0, 10)
	defer m.Close()

	p := peer.ID("peer-a")
	require.False(t, m.IsProtected(p, "session"))
	m.Protect(p, "session")
	require.True(t, m.IsProtected(p, "session"))
	require.False(t, m.Unprotect(p, "session"))
	require.False(t, m.IsProtected(p, "session"))
}

func TestTrimOpenConnsPrunesLowestValueFirst(t *testing.T) {
	m, d := newManager(t, 0, 2)
	defer m.Close()

	low := d.add("low")
	high := d.add("high")
	keepAlive := d.add("keepalive")

	m.TagPeer("low", "x", 1)
	m.TagPeer("high", "x", 100)
	m.TagPeer("keepalive", KeepAliveTag, 1)

	notifee := m.Notifee()
	notifee.Connected(nil, low)
	notifee.Connected(nil, high)
	notifee.Connected(nil, keepAlive)

	m.TrimOpenConns(context.Background())

	require.True(t, low.IsClosed())
	require.False(t, high.IsClosed())
	require.False(t, keepAlive.IsClosed())
}

func TestTrimOpenConnsSkipsProtectedPeers(t *testing.T) {
	m, d := newManager(t, 0, 1)
	defer m.Close()

	protected := d.add("protected")
	other := d.add("other")
	m.Protect("protected", "pinned")

	notifee := m.Notifee()
	notifee.Connected(nil, protected)
	notifee.Connected(nil, other)

	m.TrimOpenConns(context.Background())

	require.False(t, protected.IsClosed())
	require.True(t, other.IsClosed())
}

func TestFisherYatesShuffleIsPermutation(t *testing.T) {
	ids := []peer.ID{"a", "b", "c", "d", "e"}
	orig := append([]peer.ID(nil), ids...)
	fisherYatesShuffle(ids)

	require.ElementsMatch(t, orig, ids)
}

func TestAllowInboundAcceptRateLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InboundConnectionThreshold = 1
	m, err := New(cfg, newFakeDialer(), fakePeerstore{})
	require.NoError(t, err)
	defer m.Close()

	require.True(t, m.AllowInboundAccept())
	// A burst beyond the configured rate should eventually be denied.
	denied := false
	for i := 0; i < 10; i++ {
		if !m.AllowInboundAccept() {
			denied = true
			break
		}
	}
	require.True(t, denied)
}

func TestAllowUpgradeReleases(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIncomingPendingConnections = 1
	m, err := New(cfg, newFakeDialer(), fakePeerstore{})
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	release, err := m.AllowUpgrade(ctx)
	require.NoError(t, err)

	tight, cancelTight := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelTight()
	_, err = m.AllowUpgrade(tight)
	require.Error(t, err)

	release()
	release2, err := m.AllowUpgrade(ctx)
	require.NoError(t, err)
	release2()
}

func TestInvalidWatermarks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinConnections = 10
	cfg.MaxConnections = 5
	_, err := New(cfg, newFakeDialer(), fakePeerstore{})
	require.ErrorIs(t, err, ErrInvalidWatermarks)
}
