package swarm

import (
	"context"
	"errors"
	"sync"

	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/transport"
)

// dialWorkerFunc is used by dialSync to spawn a new dial worker.
type dialWorkerFunc func(peer.ID, <-chan dialRequest)

// errConcurrentDialSuccessful signals that a sibling dial to the same peer
// already completed.
var errConcurrentDialSuccessful = errors.New("concurrent dial successful")

// newDialSync constructs a new dialSync.
func newDialSync(worker dialWorkerFunc) *dialSync {
	return &dialSync{
		dials:      make(map[peer.ID]*activeDial),
		dialWorker: worker,
	}
}

// dialSync ensures that at most one dial to any given peer id is active at
// any given time (spec §4.4 invariant: "no two concurrent dials target the
// same peer id"); concurrent callers join the in-flight dial and share its
// result.
type dialSync struct {
	mutex      sync.Mutex
	dials      map[peer.ID]*activeDial
	dialWorker dialWorkerFunc
}

type dialRequest struct {
	ctx   context.Context
	resch chan dialResponse
}

type dialResponse struct {
	conn transport.CapableConn
	err  error
}

type activeDial struct {
	refCnt int

	ctx         context.Context
	cancelCause context.CancelCauseFunc

	reqch chan dialRequest
}

func (ad *activeDial) dial(ctx context.Context) (transport.CapableConn, error) {
	resch := make(chan dialResponse, 1)
	select {
	case ad.reqch <- dialRequest{ctx: ad.ctx, resch: resch}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-resch:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ds *dialSync) getActiveDial(p peer.ID) *activeDial {
	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	actd, ok := ds.dials[p]
	if !ok {
		// This code intentionally uses the background context. Otherwise, if
		// the first call to Dial is canceled, subsequent dial calls would
		// also be canceled.
		ctx, cancel := context.WithCancelCause(context.Background())
		actd = &activeDial{
			ctx:         ctx,
			cancelCause: cancel,
			reqch:       make(chan dialRequest),
		}
		go ds.dialWorker(p, actd.reqch)
		ds.dials[p] = actd
	}
	actd.refCnt++
	return actd
}

// Dial initiates a dial to the given peer if none is in progress, then waits
// for the dial to that peer to complete.
func (ds *dialSync) Dial(ctx context.Context, p peer.ID) (transport.CapableConn, error) {
	ad := ds.getActiveDial(p)

	conn, err := ad.dial(ctx)

	ds.mutex.Lock()
	defer ds.mutex.Unlock()

	ad.refCnt--
	if ad.refCnt == 0 {
		if err == nil {
			ad.cancelCause(errConcurrentDialSuccessful)
		} else {
			ad.cancelCause(err)
		}
		close(ad.reqch)
		delete(ds.dials, p)
	}

	return conn, err
}
