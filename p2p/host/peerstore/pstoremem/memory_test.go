package pstoremem

import (
	"testing"
	"time"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/event"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/peerstore"
	"github.com/meshward/go-p2pnode/core/record"
	"github.com/meshward/go-p2pnode/p2p/host/eventbus"

	clockwork "github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFuzzNewPeerstore(t *testing.T) {
	for i := 0; i < 100; i++ {
		ps := NewPeerstore(WithEventBus(newTestBus(t)))
		require.NoError(t, ps.Close())
	}
}

func mustAddr(t *testing.T, s string) ma.Multiaddr {
	t.Helper()
	a, err := ma.NewMultiaddr(s)
	require.NoError(t, err)
	return a
}

// encodeFakeEnvelope seals a minimal peer record at the given sequence
// number so Merge's dominance comparisons can be exercised without a full
// Identify exchange.
func encodeFakeEnvelope(t *testing.T, seq uint64) []byte {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	rec := &record.PeerRecord{PeerID: id, Seq: seq}
	env, err := record.SealPeerRecord(priv, rec)
	require.NoError(t, err)
	b, err := env.Marshal()
	require.NoError(t, err)
	return b
}

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	return eventbus.NewBus()
}

func TestSaveThenGetRoundTrips(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	id := peer.ID("p1")
	err := ps.Save(id, peerstore.Entry{
		ID:        id,
		Addrs:     []peerstore.AddrInfo{{Addr: mustAddr(t, "/ip4/1.2.3.4/tcp/4001")}},
		Protocols: []string{"/ipfs/id/1.0.0"},
		Metadata:  map[string][]byte{peerstore.AgentVersion: []byte("go-p2pnode")},
	})
	require.NoError(t, err)

	e, err := ps.Get(id)
	require.NoError(t, err)
	require.Len(t, e.Addrs, 1)
	require.Equal(t, []string{"/ipfs/id/1.0.0"}, e.Protocols)
	require.Equal(t, []byte("go-p2pnode"), e.Metadata[peerstore.AgentVersion])
}

func TestGetUnknownPeerReturnsErrNotFound(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()
	_, err := ps.Get(peer.ID("nope"))
	require.ErrorIs(t, err, peerstore.ErrNotFound)
}

func TestPatchAddrsDedupesByStringEquality(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	id := peer.ID("p1")
	a := mustAddr(t, "/ip4/1.2.3.4/tcp/4001")
	err := ps.Patch(id, peerstore.Patch{Addrs: []peerstore.AddrInfo{{Addr: a}, {Addr: a}}})
	require.NoError(t, err)

	e, err := ps.Get(id)
	require.NoError(t, err)
	require.Len(t, e.Addrs, 1)
}

func TestPatchReplacesFieldsWholesale(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	id := peer.ID("p1")
	require.NoError(t, ps.Patch(id, peerstore.Patch{
		Protocols: []string{"/a/1.0.0", "/b/1.0.0"},
	}))
	require.NoError(t, ps.Patch(id, peerstore.Patch{
		Protocols: []string{"/c/1.0.0"},
	}))

	e, err := ps.Get(id)
	require.NoError(t, err)
	require.Equal(t, []string{"/c/1.0.0"}, e.Protocols)
}

func TestMergeUnionsAddrsAndProtocols(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	id := peer.ID("p1")
	a1 := mustAddr(t, "/ip4/1.2.3.4/tcp/4001")
	a2 := mustAddr(t, "/ip4/5.6.7.8/tcp/4001")
	require.NoError(t, ps.Merge(id, peerstore.Patch{
		Addrs:     []peerstore.AddrInfo{{Addr: a1}},
		Protocols: []string{"/a/1.0.0"},
	}))
	require.NoError(t, ps.Merge(id, peerstore.Patch{
		Addrs:     []peerstore.AddrInfo{{Addr: a2}},
		Protocols: []string{"/b/1.0.0"},
	}))

	e, err := ps.Get(id)
	require.NoError(t, err)
	require.Len(t, e.Addrs, 2)
	require.Equal(t, []string{"/a/1.0.0", "/b/1.0.0"}, e.Protocols)
}

func TestMergeKeepsStrongestCertifiedFlag(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	id := peer.ID("p1")
	a := mustAddr(t, "/ip4/1.2.3.4/tcp/4001")
	require.NoError(t, ps.Merge(id, peerstore.Patch{Addrs: []peerstore.AddrInfo{{Addr: a, Certified: false}}}))
	require.NoError(t, ps.Merge(id, peerstore.Patch{Addrs: []peerstore.AddrInfo{{Addr: a, Certified: true}}}))

	e, err := ps.Get(id)
	require.NoError(t, err)
	require.True(t, e.Addrs[0].Certified)
}

func TestMergeRejectsNonDominantEnvelope(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	id := peer.ID("p1")
	higher := encodeFakeEnvelope(t, 5)
	lower := encodeFakeEnvelope(t, 2)

	require.NoError(t, ps.Merge(id, peerstore.Patch{Envelope: higher}))
	require.NoError(t, ps.Merge(id, peerstore.Patch{Envelope: lower}))

	e, err := ps.Get(id)
	require.NoError(t, err)
	require.Equal(t, higher, e.Envelope)
}

func TestMergeAcceptsHigherSequenceEnvelope(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	id := peer.ID("p1")
	lower := encodeFakeEnvelope(t, 2)
	higher := encodeFakeEnvelope(t, 5)

	require.NoError(t, ps.Merge(id, peerstore.Patch{Envelope: lower}))
	require.NoError(t, ps.Merge(id, peerstore.Patch{Envelope: higher}))

	e, err := ps.Get(id)
	require.NoError(t, err)
	require.Equal(t, higher, e.Envelope)
}

func TestDeleteRemovesEntry(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	id := peer.ID("p1")
	require.NoError(t, ps.Patch(id, peerstore.Patch{Protocols: []string{"/a/1.0.0"}}))
	require.True(t, ps.Has(id))
	require.NoError(t, ps.Delete(id))
	require.False(t, ps.Has(id))
}

func TestTagPeerRejectsOutOfRangeValue(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()
	err := ps.TagPeer(peer.ID("p1"), "useful", 101, 0)
	require.ErrorIs(t, err, peerstore.ErrInvalidParameters)
}

func TestTagPeerExpiresByTTL(t *testing.T) {
	clk := clockwork.NewMock()
	ps := NewPeerstore(WithClock(clk))
	defer ps.Close()

	id := peer.ID("p1")
	require.NoError(t, ps.TagPeer(id, "temp", 10, 5*time.Second))

	tags, err := ps.GetTags(id)
	require.NoError(t, err)
	require.Contains(t, tags, "temp")

	clk.Add(6 * time.Second)

	tags, err = ps.GetTags(id)
	require.NoError(t, err)
	require.NotContains(t, tags, "temp")
}

func TestUnTagPeerRemovesTag(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	id := peer.ID("p1")
	require.NoError(t, ps.TagPeer(id, "useful", 50, 0))
	require.NoError(t, ps.UnTagPeer(id, "useful"))

	tags, err := ps.GetTags(id)
	require.NoError(t, err)
	require.NotContains(t, tags, "useful")
}

func TestAllAppliesFilter(t *testing.T) {
	ps := NewPeerstore()
	defer ps.Close()

	require.NoError(t, ps.Patch(peer.ID("p1"), peerstore.Patch{Protocols: []string{"/a/1.0.0"}}))
	require.NoError(t, ps.Patch(peer.ID("p2"), peerstore.Patch{Protocols: []string{"/b/1.0.0"}}))

	out := ps.All(func(e peerstore.Entry) bool {
		return e.ID == peer.ID("p1")
	})
	require.Len(t, out, 1)
	require.Equal(t, peer.ID("p1"), out[0].ID)
}

func TestEmitsPeerDiscoveryOnFirstInsertionOnly(t *testing.T) {
	bus := newTestBus(t)
	ps := NewPeerstore(WithEventBus(bus))
	defer ps.Close()

	discoverySub, err := bus.Subscribe(&event.EvtPeerDiscovery{})
	require.NoError(t, err)
	defer discoverySub.Close()
	updateSub, err := bus.Subscribe(&event.EvtPeerUpdate{})
	require.NoError(t, err)
	defer updateSub.Close()

	id := peer.ID("p1")
	require.NoError(t, ps.Patch(id, peerstore.Patch{Protocols: []string{"/a/1.0.0"}}))
	require.NoError(t, ps.Patch(id, peerstore.Patch{Protocols: []string{"/b/1.0.0"}}))

	first := (<-updateSub.Out()).(event.EvtPeerUpdate)
	require.Nil(t, first.Previous)
	second := (<-updateSub.Out()).(event.EvtPeerUpdate)
	require.NotNil(t, second.Previous)

	discovered := (<-discoverySub.Out()).(event.EvtPeerDiscovery)
	require.Equal(t, id, discovered.Peer)
}
