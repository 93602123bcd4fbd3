// Package ping implements the Ping protocol named in spec §9's Node Facade
// surface ("high-level dial/handle/unhandle/ping API") and spec §5's
// abort-signal list: a minimal round-trip liveness check over a negotiated
// stream, exercising the Host.SetStreamHandler/Host.NewStream pair.
// Grounded on the request/reply stream shape of
// p2p/protocol/identify/identify.go (read one message, write one message,
// SetDeadline around the exchange), simplified from identify's structured
// protobuf message down to a fixed-size random payload that must be echoed
// back unchanged.
package ping

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"time"

	"github.com/meshward/go-p2pnode/core/host"
	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/protocol"
)

// ID is the protocol identifier negotiated for ping streams.
const ID protocol.ID = "/ipfs/ping/1.0.0"

// pingSize is the number of random bytes sent per round trip.
const pingSize = 32

// DefaultTimeout bounds how long a single round trip may take before the
// stream is considered dead.
const DefaultTimeout = 10 * time.Second

// ErrPingMismatch is returned when the remote echoes back bytes that don't
// match what was sent.
var ErrPingMismatch = errors.New("ping: response did not match request")

// Result is one round trip's outcome, delivered on Ping's returned channel.
type Result struct {
	RTT   time.Duration
	Error error
}

// PingService answers inbound ping streams and issues outbound ones.
type PingService struct {
	h host.Host
}

// NewPingService registers the ping handler on h and returns a PingService
// that can also issue outbound pings through h.
func NewPingService(h host.Host) *PingService {
	ps := &PingService{h: h}
	h.SetStreamHandler(ID, ps.handleStream)
	return ps
}

// handleStream answers a remote's pings until the stream closes or a read
// fails, echoing each payload back unchanged.
func (ps *PingService) handleStream(s network.Stream) {
	defer s.Close()

	buf := make([]byte, pingSize)
	for {
		if err := s.SetDeadline(time.Now().Add(DefaultTimeout)); err != nil {
			s.Reset()
			return
		}
		if _, err := io.ReadFull(s, buf); err != nil {
			if !errors.Is(err, io.EOF) {
				s.Reset()
			}
			return
		}
		if _, err := s.Write(buf); err != nil {
			s.Reset()
			return
		}
	}
}

// Ping opens a stream to p and repeatedly round-trips a random payload on
// it, delivering one Result per round trip until ctx is cancelled or a
// round trip fails (spec §5: ping accepts an abort signal). Ping returns at
// once; the channel is closed when the pinging stops.
func (ps *PingService) Ping(ctx context.Context, p peer.ID) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)

		s, err := ps.h.NewStream(ctx, p, ID)
		if err != nil {
			select {
			case out <- Result{Error: err}:
			case <-ctx.Done():
			}
			return
		}
		defer s.Close()

		for {
			rtt, err := roundTrip(s)
			select {
			case out <- Result{RTT: rtt, Error: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				s.Reset()
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out
}

func roundTrip(s network.Stream) (time.Duration, error) {
	req := make([]byte, pingSize)
	if _, err := rand.Read(req); err != nil {
		return 0, err
	}

	if err := s.SetDeadline(time.Now().Add(DefaultTimeout)); err != nil {
		return 0, err
	}

	before := time.Now()
	if _, err := s.Write(req); err != nil {
		return 0, err
	}

	resp := make([]byte, pingSize)
	if _, err := io.ReadFull(s, resp); err != nil {
		return 0, err
	}
	rtt := time.Since(before)

	if !bytes.Equal(req, resp) {
		return 0, ErrPingMismatch
	}
	return rtt, nil
}
