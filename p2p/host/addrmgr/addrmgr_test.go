package addrmgr

import (
	"testing"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/event"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/peerstore"

	clockwork "github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

type fakePeerstore struct {
	peerstore.Peerstore
	patches []peerstore.Patch
}

func (f *fakePeerstore) Patch(id peer.ID, p peerstore.Patch) error {
	f.patches = append(f.patches, p)
	return nil
}

func newTestManager(t *testing.T, ps *fakePeerstore, bus event.Bus, clk clockwork.Clock) *Manager {
	t.Helper()
	m, err := New("self-peer", ps, bus, nil, Config{Clock: clk})
	require.NoError(t, err)
	return m
}

func TestGetAddressesFallsBackToListenAddrs(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	require.NoError(t, err)
	self, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	addr, err := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")
	require.NoError(t, err)

	m, err := New(self, &fakePeerstore{}, nil, func() []ma.Multiaddr {
		return []ma.Multiaddr{addr}
	}, Config{})
	require.NoError(t, err)
	defer m.Close()

	got := m.GetAddresses()
	require.Len(t, got, 1)
	require.Contains(t, got[0].String(), "/p2p/"+self.String())
}

func TestGetAddressesPrefersAnnounceAddrs(t *testing.T) {
	announce, _ := ma.NewMultiaddr("/ip4/9.9.9.9/tcp/4001")
	listen, _ := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")

	m, err := New("self-peer", &fakePeerstore{}, nil,
		func() []ma.Multiaddr { return []ma.Multiaddr{listen} },
		Config{AnnounceAddrs: []ma.Multiaddr{announce}})
	require.NoError(t, err)
	defer m.Close()

	got := m.GetAddresses()
	require.Len(t, got, 1)
	require.Contains(t, got[0].String(), "9.9.9.9")
}

func TestConfirmObservedAddrDebouncesSelfUpdate(t *testing.T) {
	clk := clockwork.NewMock()
	ps := &fakePeerstore{}
	m := newTestManager(t, ps, nil, clk)
	defer m.Close()

	addr, _ := ma.NewMultiaddr("/ip4/5.6.7.8/tcp/4001")
	m.AddObservedAddr(addr)
	m.ConfirmObservedAddr(addr)
	m.ConfirmObservedAddr(addr) // second confirm: already confident, no-op

	require.Empty(t, ps.patches, "patch must not fire before the debounce window elapses")

	clk.Add(DebounceInterval)
	require.Len(t, ps.patches, 1)

	confident := m.GetObservedAddrs()
	require.Len(t, confident, 1)
}

func TestAddDNSMappingRewritesIPComponent(t *testing.T) {
	listen, _ := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")

	m, err := New("self-peer", &fakePeerstore{}, nil,
		func() []ma.Multiaddr { return []ma.Multiaddr{listen} }, Config{})
	require.NoError(t, err)
	defer m.Close()

	m.AddDNSMapping("example.com", []string{"1.2.3.4"})

	got := m.GetAddresses()
	require.Len(t, got, 1)
	require.Contains(t, got[0].String(), "dns4/example.com")
	require.NotContains(t, got[0].String(), "1.2.3.4")
}

func TestDedupeAddrsRemovesDuplicates(t *testing.T) {
	a, _ := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")
	b, _ := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")

	out := dedupeAddrs([]ma.Multiaddr{a, b})
	require.Len(t, out, 1)
}

func TestAnnounceFilterApplied(t *testing.T) {
	addr, _ := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001")

	m, err := New("self-peer", &fakePeerstore{}, nil,
		func() []ma.Multiaddr { return []ma.Multiaddr{addr} },
		Config{AnnounceFilter: func([]ma.Multiaddr) []ma.Multiaddr { return nil }})
	require.NoError(t, err)
	defer m.Close()

	require.Empty(t, m.GetAddresses())
}

func TestNotifyListenChangedPatchesPeerstore(t *testing.T) {
	clk := clockwork.NewMock()
	ps := &fakePeerstore{}
	m := newTestManager(t, ps, nil, clk)
	defer m.Close()

	m.NotifyListenChanged()
	clk.Add(DebounceInterval)

	require.Len(t, ps.patches, 1)
}
