// Package peer implements an object used to represent peers in the libp2p
// network.
package peer

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/meshward/go-p2pnode/core/crypto"

	b58 "github.com/mr-tron/base58"
	"github.com/multiformats/go-multihash"
)

// ErrEmptyPeerID is an error for empty peer ID.
var ErrEmptyPeerID = errors.New("empty peer ID")

// ErrNoPublicKey is an error for peer IDs that don't embed public keys
var ErrNoPublicKey = errors.New("public key is not embedded in peer ID")

// ID is a libp2p peer identity.
//
// Peer IDs are multihashes of a peer's marshaled public key: keys of at most
// maxInlineKeyLength bytes (Ed25519 keys among them) are embedded with the
// identity multihash, longer keys are hashed with SHA-256. Peers must control
// the private key that corresponds to the ID's public key.
type ID string

// Validate checks if ID is empty or not.
func (id ID) Validate() error {
	if id == ID("") {
		return ErrEmptyPeerID
	}
	return nil
}

// String returns the base58-encoded representation of this peer id.
func (id ID) String() string {
	return b58.Encode([]byte(id))
}

// ShortString prints out the peer ID in a nice short format, truncated for
// display in logs.
func (id ID) ShortString() string {
	pid := id.String()
	if len(pid) <= 10 {
		return fmt.Sprintf("<peer.ID %s>", pid)
	}
	return fmt.Sprintf("<peer.ID %s*%s>", pid[:2], pid[len(pid)-6:])
}

// MatchesPrivateKey tests whether this ID was derived from sk.
func (id ID) MatchesPrivateKey(sk crypto.PrivKey) bool {
	return id.MatchesPublicKey(sk.GetPublic())
}

// MatchesPublicKey tests whether this ID was derived from pk.
func (id ID) MatchesPublicKey(pk crypto.PubKey) bool {
	oid, err := IDFromPublicKey(pk)
	if err != nil {
		return false
	}
	return oid == id
}

// ExtractPublicKey attempts to extract the public key from an ID.
//
// This method returns ErrNoPublicKey if the peer ID looks valid but it is
// not an "identity" multihash (i.e. the public key could not be embedded).
func (id ID) ExtractPublicKey() (crypto.PubKey, error) {
	decoded, err := multihash.Decode([]byte(id))
	if err != nil {
		return nil, err
	}
	if decoded.Code != multihash.IDENTITY {
		return nil, ErrNoPublicKey
	}
	return crypto.UnmarshalPublicKey(decoded.Digest)
}

// ToCid returns the peer ID's raw multihash bytes as a lowercase hex string.
// It does not build a CID, and this package has no function that decodes it.
func (id ID) ToCid() string {
	return hex.EncodeToString([]byte(id))
}

// IDFromPublicKey returns the Peer ID corresponding to the given public key.
//
// Identity multihash is used (the raw marshaled bytes are embedded in the
// id) whenever the marshaled public key is short enough (<= 42 bytes,
// matching the real-world threshold used by the original implementation);
// otherwise the canonical SHA-256 multihash of the marshaled key is used.
func IDFromPublicKey(pk crypto.PubKey) (ID, error) {
	b, err := crypto.MarshalPublicKey(pk)
	if err != nil {
		return "", err
	}
	var alg uint64 = multihash.SHA2_256
	if len(b) <= maxInlineKeyLength {
		alg = multihash.IDENTITY
	}
	hash, err := multihash.Sum(b, alg, -1)
	if err != nil {
		return "", err
	}
	return ID(hash), nil
}

// IDFromPrivateKey returns the Peer ID corresponding to the given private key.
func IDFromPrivateKey(sk crypto.PrivKey) (ID, error) {
	return IDFromPublicKey(sk.GetPublic())
}

// Decode accepts an encoded peer ID and returns the decoded ID if the string
// is a valid encoding.
func Decode(s string) (ID, error) {
	b, err := b58.Decode(s)
	if err != nil {
		return "", err
	}
	if _, err := multihash.Cast(b); err != nil {
		return "", err
	}
	return ID(b), nil
}

// maxInlineKeyLength is the cutoff, in marshaled-key bytes, below which the
// public key is embedded directly in the peer ID (an "identity" multihash)
// instead of being hashed. Matches the real-world behavior relied on by
// Ed25519 keys, whose marshaled form is always well under the threshold.
const maxInlineKeyLength = 42
