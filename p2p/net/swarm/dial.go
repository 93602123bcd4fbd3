package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/transport"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// DialPeer implements spec §4.4's dial algorithm for a target already known
// by peer id: resolve from the peer store, reject self-dials, gate, rank,
// and race candidate addresses.
func (s *Swarm) DialPeer(ctx context.Context, p peer.ID) (network.Conn, error) {
	if p == s.local {
		return nil, ErrDialedSelf
	}

	s.conns.RLock()
	cs := s.conns.m[p]
	s.conns.RUnlock()
	if len(cs) > 0 {
		return cs[0], nil
	}

	if s.gater != nil {
		if !s.gater.InterceptPeerDial(p) {
			return nil, ErrPeerDialIntercepted
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	conn, err := s.ds.Dial(dialCtx, p)
	if err != nil {
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return s.addConn(conn)
}

// dialWorkerLoop is the per-peer worker spawned by dialSync; it serializes
// consecutive dial requests to the same peer (callers joining an in-flight
// dial never spawn a second worker).
func (s *Swarm) dialWorkerLoop(p peer.ID, reqch <-chan dialRequest) {
	for req := range reqch {
		conn, err := s.dialPeerAddrs(req.ctx, p)
		select {
		case req.resch <- dialResponse{conn: conn, err: err}:
		default:
		}
	}
}

func (s *Swarm) dialPeerAddrs(ctx context.Context, p peer.ID) (transport.CapableConn, error) {
	entry, err := s.peerstore.Get(p)
	if err != nil {
		return nil, ErrNoValidAddresses
	}
	addrs := make([]ma.Multiaddr, 0, len(entry.Addrs))
	for _, ai := range entry.Addrs {
		addrs = append(addrs, ai.Addr)
	}
	addrs = s.filterAndRankAddrs(p, addrs)
	if len(addrs) == 0 {
		return nil, ErrNoValidAddresses
	}
	if len(addrs) > s.cfg.MaxPeerAddressesToDial {
		addrs = addrs[:s.cfg.MaxPeerAddressesToDial]
	}

	delays := s.cfg.AddressSorter(addrs)

	peerSem := semaphore.NewWeighted(s.cfg.MaxConcurrentDialsPerPeer)

	type result struct {
		conn transport.CapableConn
		err  error
	}
	resCh := make(chan result, len(delays))
	raceCtx, raceCancel := context.WithCancel(ctx)
	defer raceCancel()

	for _, ad := range delays {
		ad := ad
		go func() {
			t := s.TransportForDialing(ad.Addr)
			if t == nil {
				resCh <- result{err: fmt.Errorf("%w: no transport for %s", ErrTransportDialFailed, ad.Addr)}
				return
			}
			if s.gater != nil && !s.gater.InterceptAddrDial(p, ad.Addr) {
				resCh <- result{err: ErrPeerDialIntercepted}
				return
			}
			if ad.Delay > 0 {
				select {
				case <-time.After(ad.Delay):
				case <-raceCtx.Done():
					resCh <- result{err: raceCtx.Err()}
					return
				}
			}
			if err := peerSem.Acquire(raceCtx, 1); err != nil {
				resCh <- result{err: err}
				return
			}
			defer peerSem.Release(1)
			if err := s.globalSem.Acquire(raceCtx, 1); err != nil {
				resCh <- result{err: err}
				return
			}
			defer s.globalSem.Release(1)

			raw, err := t.Dial(raceCtx, ad.Addr, p)
			if err != nil {
				resCh <- result{err: fmt.Errorf("%w: %s", ErrTransportDialFailed, err)}
				return
			}
			tc, err := s.upgrader.Upgrade(raceCtx, t, raw, network.DirOutbound, p)
			if err != nil {
				resCh <- result{err: err}
				return
			}
			resCh <- result{conn: tc}
		}()
	}

	var errs []error
	for i := 0; i < len(delays); i++ {
		select {
		case res := <-resCh:
			if res.err == nil {
				raceCancel()
				return res.conn, nil
			}
			errs = append(errs, res.err)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if len(errs) == 1 {
		return nil, errs[0]
	}
	var agg error
	for _, e := range errs {
		agg = multierr.Append(agg, e)
	}
	return nil, agg
}

// filterAndRankAddrs implements spec §4.4 step 4: filter to
// transport-supported addresses, dedupe by string form, apply the dial
// gater, and append the dialed peer's /p2p/<id> suffix where missing.
func (s *Swarm) filterAndRankAddrs(p peer.ID, addrs []ma.Multiaddr) []ma.Multiaddr {
	addrs = sortUniqueAddrs(addrs)

	out := make([]ma.Multiaddr, 0, len(addrs))
	for _, a := range addrs {
		if s.TransportForDialing(a) == nil {
			continue
		}
		if s.gater != nil && !s.gater.InterceptAddrDial(p, a) {
			continue
		}
		if _, id := peer.SplitAddr(a); id == "" {
			withPeer, err := ma.NewMultiaddr(a.String() + "/p2p/" + p.String())
			if err == nil {
				a = withPeer
			}
		}
		out = append(out, a)
	}
	return out
}
