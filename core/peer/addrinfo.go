package peer

import (
	"errors"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
)

// AddrInfo is a small struct used to pass around a peer with a set of
// addresses (and later, keys?).
type AddrInfo struct {
	ID    ID
	Addrs []ma.Multiaddr
}

var ErrInvalidAddr = errors.New("invalid p2p multiaddr")

// AddrInfosFromP2pAddrs converts a set of Multiaddrs to a set of AddrInfos.
func AddrInfosFromP2pAddrs(maddrs ...ma.Multiaddr) ([]AddrInfo, error) {
	m := make(map[ID][]ma.Multiaddr)
	var order []ID
	for _, maddr := range maddrs {
		if maddr == nil {
			return nil, ErrInvalidAddr
		}
		transport, id := SplitAddr(maddr)
		if id == "" {
			return nil, ErrInvalidAddr
		}
		if _, ok := m[id]; !ok {
			order = append(order, id)
		}
		if transport != nil {
			m[id] = append(m[id], transport)
		}
	}
	out := make([]AddrInfo, 0, len(order))
	for _, id := range order {
		out = append(out, AddrInfo{ID: id, Addrs: m[id]})
	}
	return out, nil
}

// SplitAddr splits a p2p Multiaddr into its transport component and its
// peer ID component (the trailing /p2p/<id>).
func SplitAddr(m ma.Multiaddr) (transport ma.Multiaddr, id ID) {
	if m == nil {
		return nil, ""
	}
	var idx int
	ma.ForEach(m, func(c ma.Component) bool {
		idx++
		return c.Protocol().Code != ma.P_P2P
	})
	if idx == 0 {
		return m, ""
	}
	tpart, p2ppart := ma.SplitFunc(m, func(c ma.Component) bool {
		return c.Protocol().Code == ma.P_P2P
	})
	if p2ppart == nil {
		return m, ""
	}
	pid, err := peerIDFromP2pComponent(p2ppart)
	if err != nil {
		return m, ""
	}
	if tpart == nil {
		return nil, pid
	}
	return tpart, pid
}

func peerIDFromP2pComponent(m ma.Multiaddr) (ID, error) {
	s, err := m.ValueForProtocol(ma.P_P2P)
	if err != nil {
		return "", err
	}
	return Decode(s)
}

// AddrInfoToP2pAddrs converts an AddrInfo to a list of Multiaddrs, one for
// each listed address, each suffixed with /p2p/<id>.
func AddrInfoToP2pAddrs(pi *AddrInfo) ([]ma.Multiaddr, error) {
	var addrs []ma.Multiaddr
	p2ppart, err := ma.NewMultiaddr("/p2p/" + pi.ID.String())
	if err != nil {
		return nil, err
	}
	if len(pi.Addrs) == 0 {
		return []ma.Multiaddr{p2ppart}, nil
	}
	for _, addr := range pi.Addrs {
		addrs = append(addrs, addr.Encapsulate(p2ppart))
	}
	return addrs, nil
}

func (pi AddrInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "{%s: %s}", pi.ID, pi.Addrs)
	return b.String()
}

func (pi AddrInfo) Loggable() map[string]interface{} {
	return map[string]interface{}{
		"peerID": pi.ID.String(),
		"addrs":  pi.Addrs,
	}
}
