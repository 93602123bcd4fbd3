// Package testing builds fully wired, in-process Swarms for tests, using
// the memory transport, plaintext security, and simplemux stand-ins named
// in spec §8 rather than any concrete production transport. Grounded on the
// teacher's p2p/net/swarm/testing helper package (referenced by the
// teacher's protocol test suites, e.g. p2p/protocol/ping's test), rebuilt
// against this module's explicit Upgrader/Registrar wiring instead of the
// teacher's config.Option-driven construction.
package testing

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/muxer"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/peerstore"
	"github.com/meshward/go-p2pnode/core/sec"
	"github.com/meshward/go-p2pnode/p2p/host/peerstore/pstoremem"
	"github.com/meshward/go-p2pnode/p2p/muxer/simplemux"
	"github.com/meshward/go-p2pnode/p2p/net/registrar"
	"github.com/meshward/go-p2pnode/p2p/net/swarm"
	"github.com/meshward/go-p2pnode/p2p/net/upgrader"
	"github.com/meshward/go-p2pnode/p2p/security/plaintext"
	memtransport "github.com/meshward/go-p2pnode/p2p/transport/memory"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"
)

var nextID atomic.Uint64

// TestSwarm bundles a Swarm with the Registrar and Peerstore it was wired
// against, since core/network.Network doesn't expose either and callers
// building a Host need all three.
type TestSwarm struct {
	*swarm.Swarm
	Registrar *registrar.Registrar
	Peerstore peerstore.Peerstore
}

// GenSwarm returns a ready-to-use Swarm listening on a fresh
// /memory/test-<n> address, with a random Ed25519 identity and no connection gater.
func GenSwarm(t *testing.T) *TestSwarm {
	t.Helper()

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)

	ps := pstoremem.NewPeerstore()
	reg := registrar.New()
	upg := upgrader.New(
		[]sec.SecureTransport{plaintext.New(priv, id)},
		[]muxer.Factory{simplemux.TransportFactory{}},
		nil,
	)

	s := swarm.New(id, ps, upg, reg, nil, swarm.DefaultConfig())
	require.NoError(t, s.AddTransport(memtransport.New(id)))

	addr, err := ma.NewMultiaddr(fmt.Sprintf("/memory/test-%d", nextID.Add(1)))
	require.NoError(t, err)
	require.NoError(t, s.Listen(addr))

	return &TestSwarm{Swarm: s, Registrar: reg, Peerstore: ps}
}
