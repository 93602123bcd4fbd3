package identify

import (
	"testing"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/peer"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

func TestStripSelfSuffixRemovesSelfP2pComponent(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	require.NoError(t, err)
	self, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)
	withSelf, err := ma.NewMultiaddr("/ip4/1.2.3.4/tcp/4001/p2p/" + self.String())
	require.NoError(t, err)
	withoutSuffix, err := ma.NewMultiaddr("/ip4/5.6.7.8/tcp/4001")
	require.NoError(t, err)

	out := stripSelfSuffix([]ma.Multiaddr{withSelf, withoutSuffix}, self)
	require.Len(t, out, 2)
	require.Equal(t, "/ip4/1.2.3.4/tcp/4001", out[0].String())
	require.Equal(t, "/ip4/5.6.7.8/tcp/4001", out[1].String())
}
