package ping_test

import (
	"context"
	"testing"
	"time"

	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/p2p/host/basichost"
	swarmtesting "github.com/meshward/go-p2pnode/p2p/net/swarm/testing"
	"github.com/meshward/go-p2pnode/p2p/protocol/ping"

	"github.com/stretchr/testify/require"
)

func newTestHost(t *testing.T) *basichost.BasicHost {
	t.Helper()
	ts := swarmtesting.GenSwarm(t)
	h, err := basichost.New(ts, basichost.Config{Registrar: ts.Registrar, Peerstore: ts.Peerstore})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestPing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h1 := newTestHost(t)
	h2 := newTestHost(t)

	err := h1.Connect(ctx, peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()})
	require.NoError(t, err)

	ps1 := ping.NewPingService(h1)
	ps2 := ping.NewPingService(h2)

	testPing(t, ps1, h2.ID())
	testPing(t, ps2, h1.ID())
}

func testPing(t *testing.T, ps *ping.PingService, p peer.ID) {
	pctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := ps.Ping(pctx, p)

	for i := 0; i < 5; i++ {
		select {
		case res := <-ts:
			require.NoError(t, res.Error)
			t.Log("ping took: ", res.RTT)
		case <-time.After(4 * time.Second):
			t.Fatal("failed to receive ping")
		}
	}
}

func TestPingToUnreachablePeerReturnsError(t *testing.T) {
	h1 := newTestHost(t)
	ps1 := ping.NewPingService(h1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ts := ps1.Ping(ctx, peer.ID("unreachable"))
	select {
	case res := <-ts:
		require.Error(t, res.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a failed ping result before the channel closed")
	}
}
