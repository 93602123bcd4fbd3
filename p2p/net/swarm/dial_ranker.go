package swarm

import (
	"sort"
	"time"

	"github.com/meshward/go-p2pnode/core/network"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// RelayDelay staggers relay candidates behind any direct address, mirroring
// the teacher's dial_ranker.go grouping without its full happy-eyeballs
// QUIC/TCP interleaving (out of scope: this module has no QUIC transport).
const RelayDelay = 500 * time.Millisecond

// DefaultAddressSorter implements spec §4.4 step 4's "default: public
// first" address sort: public addresses are dialed immediately and in
// parallel, private addresses immediately after, and addresses that look
// like circuit-relay hops (those with more than one protocol component
// terminating in /p2p/<id>) are delayed behind both.
func DefaultAddressSorter(addrs []ma.Multiaddr) []network.AddrDelay {
	out := make([]network.AddrDelay, 0, len(addrs))
	for _, a := range addrs {
		delay := time.Duration(0)
		if isRelayAddr(a) {
			delay = RelayDelay
		} else if !manet.IsPublicAddr(a) {
			delay = 0
		}
		out = append(out, network.AddrDelay{Addr: a, Delay: delay})
	}
	sort.SliceStable(out, func(i, j int) bool {
		iPublic := manet.IsPublicAddr(out[i].Addr)
		jPublic := manet.IsPublicAddr(out[j].Addr)
		if iPublic != jPublic {
			return iPublic
		}
		return out[i].Delay < out[j].Delay
	})
	return out
}

func isRelayAddr(a ma.Multiaddr) bool {
	n := 0
	ma.ForEach(a, func(c ma.Component) bool {
		if c.Protocol().Code == ma.P_P2P {
			n++
		}
		return true
	})
	return n > 1
}
