// Package record implements signed envelopes and peer records (spec §3
// "Peer Record (signed)", §6 "Signed Peer Record").
package record

import (
	"errors"
	"fmt"

	"github.com/meshward/go-p2pnode/core/crypto"

	"google.golang.org/protobuf/encoding/protowire"
)

// PayloadTypePeerRecord tags an envelope's payload as a PeerRecord.
var PayloadTypePeerRecord = []byte("libp2p-peer-record")

// envelopeDomain is the signature domain string mixed into every envelope
// signature, so a signature produced for one purpose can't be replayed as
// another (spec §6).
const envelopeDomain = "libp2p-peer-record"

var ErrInvalidSignature = errors.New("invalid envelope signature")
var ErrEmptyDomain = errors.New("envelope domain must not be empty")

// Envelope seals an arbitrary payload with the signer's public key, a
// payload-type tag, and a signature over (domain || payloadType || payload).
type Envelope struct {
	PublicKey    crypto.PubKey
	PayloadType  []byte
	RawPayload   []byte
	Signature    []byte
}

// Seal signs payload (tagged with payloadType) using sk, producing an
// Envelope.
func Seal(sk crypto.PrivKey, payloadType, payload []byte) (*Envelope, error) {
	unsigned := makeUnsigned(envelopeDomain, payloadType, payload)
	sig, err := sk.Sign(unsigned)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		PublicKey:   sk.GetPublic(),
		PayloadType: payloadType,
		RawPayload:  payload,
		Signature:   sig,
	}, nil
}

// Verify checks the envelope's signature against its own embedded public
// key, over the fixed envelopeDomain.
func (e *Envelope) Verify() (bool, error) {
	unsigned := makeUnsigned(envelopeDomain, e.PayloadType, e.RawPayload)
	return e.PublicKey.Verify(unsigned, e.Signature)
}

func makeUnsigned(domain string, payloadType, payload []byte) []byte {
	var b []byte
	b = appendLenPrefixed(b, []byte(domain))
	b = appendLenPrefixed(b, payloadType)
	b = appendLenPrefixed(b, payload)
	return b
}

func appendLenPrefixed(b, field []byte) []byte {
	b = protowire.AppendVarint(b, uint64(len(field)))
	b = append(b, field...)
	return b
}

// Marshal encodes the envelope as a small protobuf-style message:
// field 1 = public key (marshaled), field 2 = payload type, field 3 = raw
// payload, field 4 = signature.
func (e *Envelope) Marshal() ([]byte, error) {
	pkBytes, err := crypto.MarshalPublicKey(e.PublicKey)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, pkBytes)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, e.PayloadType)
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendBytes(b, e.RawPayload)
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Signature)
	return b, nil
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(data []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("envelope: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			return nil, fmt.Errorf("envelope: unexpected wire type %d", typ)
		}
		val, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("envelope: bad bytes field: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case 1:
			pk, err := crypto.UnmarshalPublicKey(val)
			if err != nil {
				return nil, err
			}
			e.PublicKey = pk
		case 2:
			e.PayloadType = append([]byte(nil), val...)
		case 3:
			e.RawPayload = append([]byte(nil), val...)
		case 4:
			e.Signature = append([]byte(nil), val...)
		}
	}
	if e.PublicKey == nil {
		return nil, errors.New("envelope: missing public key")
	}
	return e, nil
}
