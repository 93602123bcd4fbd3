package libp2p

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meshward/go-p2pnode/config"
	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestNewWithDefaultsDialsAndOpensAStream(t *testing.T) {
	h1, err := New()
	require.NoError(t, err)
	defer h1.Close()

	h2, err := New()
	require.NoError(t, err)
	defer h2.Close()

	const proto = "/echo/1.0.0"
	received := make(chan struct{}, 1)
	h2.SetStreamHandler(proto, func(s network.Stream) {
		defer s.Close()
		buf := make([]byte, 4)
		s.Read(buf)
		s.Write(buf)
		received <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h1.Connect(ctx, peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()}))

	s, err := h1.NewStream(ctx, h2.ID(), proto)
	require.NoError(t, err)
	_, err = s.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestChainOptionsAppliesEachInOrder(t *testing.T) {
	var applied []int
	opt := ChainOptions(
		Option(func(*Config) error { applied = append(applied, 1); return nil }),
		Option(func(*Config) error { applied = append(applied, 2); return nil }),
	)
	require.NoError(t, opt(&config.Config{}))
	require.Equal(t, []int{1, 2}, applied)
}

func TestNewPropagatesOptionErrors(t *testing.T) {
	_, err := New(func(*Config) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
}
