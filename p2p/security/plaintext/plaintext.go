// Package plaintext implements an insecure ConnectionSecurity stand-in that
// exchanges marshaled public keys in cleartext and derives each side's peer
// id from the key it receives. Grounded on the real
// go-libp2p p2p/security/plaintext package: same role (a trivial security
// transport, used only for tests and local harnesses), adapted to this
// module's core/sec interface. Never use this in production — it provides
// authentication (the exchanged key must match the claimed peer id) but no
// confidentiality.
package plaintext

import (
	"bufio"
	"context"
	"fmt"
	"net"

	"github.com/meshward/go-p2pnode/core/crypto"
	"github.com/meshward/go-p2pnode/core/peer"
	"github.com/meshward/go-p2pnode/core/protocol"
	"github.com/meshward/go-p2pnode/core/sec"

	varint "github.com/multiformats/go-varint"
)

const ID protocol.ID = "/plaintext/2.0.0"

// Transport implements sec.SecureTransport by exchanging each side's public
// key, in the clear, immediately after the connection is established.
type Transport struct {
	LocalID  peer.ID
	PrivKey  crypto.PrivKey
}

var _ sec.SecureTransport = (*Transport)(nil)

func New(sk crypto.PrivKey, id peer.ID) *Transport {
	return &Transport{LocalID: id, PrivKey: sk}
}

func (t *Transport) ID() protocol.ID { return ID }

func (t *Transport) SecureInbound(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error) {
	return t.handshake(ctx, insecure, p)
}

func (t *Transport) SecureOutbound(ctx context.Context, insecure net.Conn, p peer.ID) (sec.SecureConn, error) {
	return t.handshake(ctx, insecure, p)
}

func (t *Transport) handshake(_ context.Context, conn net.Conn, expected peer.ID) (sec.SecureConn, error) {
	pkBytes, err := crypto.MarshalPublicKey(t.PrivKey.GetPublic())
	if err != nil {
		return nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- writeFrame(conn, pkBytes)
	}()

	br := bufio.NewReader(conn)
	remotePkBytes, err := readFrame(br)
	if err != nil {
		return nil, err
	}
	if err := <-errCh; err != nil {
		return nil, err
	}

	remotePub, err := crypto.UnmarshalPublicKey(remotePkBytes)
	if err != nil {
		return nil, fmt.Errorf("plaintext: bad remote public key: %w", err)
	}
	remoteID, err := peer.IDFromPublicKey(remotePub)
	if err != nil {
		return nil, err
	}
	if expected != "" && expected != remoteID {
		return nil, sec.ErrPeerIDMismatch{Expected: expected, Actual: remoteID}
	}

	return &conn2{Conn: conn, br: br, local: t.LocalID, remote: remoteID, remotePub: remotePub}, nil
}

func writeFrame(w net.Conn, b []byte) error {
	prefix := varint.ToUvarint(uint64(len(b)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	l, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, l)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

type conn2 struct {
	net.Conn
	br        *bufio.Reader
	local     peer.ID
	remote    peer.ID
	remotePub crypto.PubKey
}

var _ sec.SecureConn = (*conn2)(nil)

func (c *conn2) Read(p []byte) (int, error)        { return c.br.Read(p) }
func (c *conn2) LocalPeer() peer.ID                 { return c.local }
func (c *conn2) RemotePeer() peer.ID                { return c.remote }
func (c *conn2) RemotePublicKey() crypto.PubKey     { return c.remotePub }
