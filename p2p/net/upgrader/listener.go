package upgrader

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/meshward/go-p2pnode/core/network"
	"github.com/meshward/go-p2pnode/core/transport"

	tec "github.com/jbenet/go-temp-err-catcher"
)

// acceptQueueLength bounds how many fully-upgraded inbound connections can
// sit waiting for Accept. Negotiation of new connections goes on when the
// queue is full; an upgraded connection that finds no room waits until its
// upgrade timeout runs out and is then closed.
const acceptQueueLength = 16

// UpgradeListener wraps a raw transport.Listener, upgrading every accepted
// raw connection before handing it to the caller. Grounded on the teacher's
// p2p/net/upgrader/listener.go accept loop and temp-error handling; the
// resource-manager scope and manet-specific gated listener it layers in are
// dropped (out of spec scope), with gating instead happening inside
// Upgrader.Upgrade itself.
type UpgradeListener struct {
	raw       transport.Listener
	transport transport.Transport
	upgrader  *Upgrader

	incoming chan transport.CapableConn
	err      error

	ctx    context.Context
	cancel context.CancelFunc
}

// WrapListener upgrades every connection accepted by raw before surfacing it.
func (u *Upgrader) WrapListener(t transport.Transport, raw transport.Listener) *UpgradeListener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &UpgradeListener{
		raw:       raw,
		transport: t,
		upgrader:  u,
		incoming:  make(chan transport.CapableConn, acceptQueueLength),
		ctx:       ctx,
		cancel:    cancel,
	}
	go l.handleIncoming()
	return l
}

func (l *UpgradeListener) handleIncoming() {
	var wg sync.WaitGroup
	defer func() {
		l.raw.Close()
		if l.err == nil {
			l.err = fmt.Errorf("listener closed")
		}
		wg.Wait()
		close(l.incoming)
	}()

	var catcher tec.TempErrCatcher
	for l.ctx.Err() == nil {
		rawConn, err := l.raw.Accept()
		if err != nil {
			if catcher.IsTemporary(err) {
				log.Infof("temporary accept error: %s", err)
				continue
			}
			l.err = err
			return
		}
		catcher.Reset()

		log.Debugf("listener %s got connection: %s <---> %s",
			l, rawConn.LocalMultiaddr(), rawConn.RemoteMultiaddr())

		wg.Add(1)
		go func() {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(l.ctx, l.upgrader.AcceptTimeout)
			defer cancel()

			conn, err := l.upgrader.Upgrade(ctx, l.transport, rawConn, network.DirInbound, "")
			if err != nil {
				log.Debugf("accept upgrade error: %s (%s <--> %s): %s",
					rawConn.LocalMultiaddr(), rawConn.RemoteMultiaddr(), err)
				return
			}

			select {
			case l.incoming <- conn:
			case <-ctx.Done():
				if l.ctx.Err() == nil {
					log.Warnf("listener dropped connection due to slow accept: %s", rawConn.RemoteMultiaddr())
				}
				conn.CloseWithError(0)
			}
		}()
	}
}

// Accept returns the next fully-negotiated inbound connection.
func (l *UpgradeListener) Accept() (transport.CapableConn, error) {
	for c := range l.incoming {
		if !c.IsClosed() {
			return c, nil
		}
	}
	if l.err != nil && strings.Contains(l.err.Error(), "use of closed network connection") {
		return nil, transport.ErrListenerClosed
	}
	return nil, l.err
}

func (l *UpgradeListener) Close() error {
	err := l.raw.Close()
	l.cancel()
	for c := range l.incoming {
		c.Close()
	}
	return err
}

func (l *UpgradeListener) String() string {
	return fmt.Sprintf("<upgraded listener %s>", l.raw.Multiaddr())
}
