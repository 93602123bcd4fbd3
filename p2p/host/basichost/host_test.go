package basichost_test

import (
	"context"
	"testing"
	"time"

	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/protocol"
	"github.com/meshward/go-p2pnode/p2p/host/basichost"
	swarmtesting "github.com/meshward/go-p2pnode/p2p/net/swarm/testing"

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

func TestConnectDialsAndRecordsAddresses(t *testing.T) {
	h1 := newTestHost(t)
	h2 := newTestHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := h1.Connect(ctx, peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()})
	require.NoError(t, err)
	require.Equal(t, network.Connected, h1.Network().Connectedness(h2.ID()))

	e, err := h1.Peerstore().Get(h2.ID())
	require.NoError(t, err)
	require.NotEmpty(t, e.Addrs)
}

func TestConnectIsIdempotentWhenAlreadyConnected(t *testing.T) {
	h1 := newTestHost(t)
	h2 := newTestHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h1.Connect(ctx, peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()}))
	require.NoError(t, h1.Connect(ctx, peer.AddrInfo{ID: h2.ID()}))
}

func TestNewStreamNegotiatesRegisteredProtocol(t *testing.T) {
	h1 := newTestHost(t)
	h2 := newTestHost(t)

	const proto = "/greet/1.0.0"
	received := make(chan string, 1)
	h2.SetStreamHandler(proto, func(s network.Stream) {
		defer s.Close()
		buf := make([]byte, 5)
		s.Read(buf)
		received <- string(buf)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h1.Connect(ctx, peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()}))

	s, err := h1.NewStream(ctx, h2.ID(), proto)
	require.NoError(t, err)
	_, err = s.Write([]byte("hello"))
	require.NoError(t, err)
	s.Close()

	select {
	case msg := <-received:
		require.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the stream")
	}
}

func TestRemoveStreamHandlerStopsNegotiation(t *testing.T) {
	h1 := newTestHost(t)
	h2 := newTestHost(t)

	const proto = "/greet/1.0.0"
	h2.SetStreamHandler(proto, func(s network.Stream) { s.Close() })
	h2.RemoveStreamHandler(proto)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h1.Connect(ctx, peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()}))

	_, err := h1.NewStream(ctx, h2.ID(), proto)
	require.Error(t, err)
}

func TestMuxReportsRegisteredProtocols(t *testing.T) {
	h := newTestHost(t)
	h.SetStreamHandler("/a/1.0.0", func(network.Stream) {})
	require.Contains(t, h.Mux().Protocols(), protocol.ID("/a/1.0.0"))
}
