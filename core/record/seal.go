package record

import (
	"bytes"
	"errors"

	"github.com/meshward/go-p2pnode/core/crypto"
)

var ErrWrongPayloadType = errors.New("envelope payload is not a peer record")
var ErrPeerIDMismatch = errors.New("peer record's peer id does not match the envelope's signing key")

// SealPeerRecord marshals and seals r into an envelope signed by sk. The
// embedded peer id must match the one derivable from sk's public key,
// otherwise the envelope would be rejected by any verifier.
func SealPeerRecord(sk crypto.PrivKey, r *PeerRecord) (*Envelope, error) {
	payload, err := r.Marshal()
	if err != nil {
		return nil, err
	}
	return Seal(sk, PayloadTypePeerRecord, payload)
}

// ConsumePeerRecord verifies envelope e and, if valid and tagged as a peer
// record, returns the decoded PeerRecord.
func ConsumePeerRecord(e *Envelope) (*PeerRecord, error) {
	if !bytes.Equal(e.PayloadType, PayloadTypePeerRecord) {
		return nil, ErrWrongPayloadType
	}
	ok, err := e.Verify()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidSignature
	}
	return UnmarshalPeerRecord(e.RawPayload)
}
