// Package crypto implements various cryptographic utilities used by libp2p.
// This includes a Public and Private key interface and key implementations
// for supported key types.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// KeyType enumerates the supported key types.
type KeyType int

const (
	Ed25519 KeyType = iota
	Secp256k1
)

// PubKey is a public key that can be used to verify data signed with the
// corresponding private key.
type PubKey interface {
	// Raw returns the raw bytes of the key (not wrapped in the libp2p-key
	// protobuf envelope).
	Raw() ([]byte, error)
	// Type returns the key type.
	Type() KeyType
	// Equals reports whether two PubKeys are of the same type and hold the
	// same key.
	Equals(PubKey) bool
	// Verify verifies a signature given the message and signature bytes.
	Verify(data []byte, sig []byte) (bool, error)
}

// PrivKey represents a private key that can be used to generate a public
// key and sign data.
type PrivKey interface {
	// Raw returns the raw bytes of the key.
	Raw() ([]byte, error)
	// Type returns the key type.
	Type() KeyType
	// Equals reports whether two PrivKeys are of the same type and hold the
	// same key.
	Equals(PrivKey) bool
	// Sign signs the given bytes and returns the signature.
	Sign([]byte) ([]byte, error)
	// GetPublic returns the public key paired with this private key.
	GetPublic() PubKey
}

var ErrBadKeyType = errors.New("invalid or unsupported key type")

// GenerateKeyPair generates a keypair of the given type and bit size.
func GenerateKeyPair(typ KeyType, _ int) (PrivKey, PubKey, error) {
	return GenerateKeyPairWithReader(typ, rand.Reader)
}

// GenerateKeyPairWithReader returns a keypair of the given type and bitsize,
// read from the provided randomness source, not from the default source
// (which is usually /dev/urandom).
func GenerateKeyPairWithReader(typ KeyType, src io.Reader) (PrivKey, PubKey, error) {
	switch typ {
	case Ed25519:
		return generateEd25519KeyPair(src)
	case Secp256k1:
		return generateSecp256k1KeyPair(src)
	default:
		return nil, nil, ErrBadKeyType
	}
}

// marshalTagged tags marshaled keys so UnmarshalPublicKey/UnmarshalPrivateKey
// can dispatch without a full protobuf schema: one byte of key-type, then the
// raw key bytes. This mirrors the discriminated envelope the real
// implementation derives from a protobuf `oneof`, in spirit if not in byte
// format.
func marshalTagged(t KeyType, raw []byte) []byte {
	out := make([]byte, 1+len(raw))
	out[0] = byte(t)
	copy(out[1:], raw)
	return out
}

func MarshalPublicKey(pk PubKey) ([]byte, error) {
	raw, err := pk.Raw()
	if err != nil {
		return nil, err
	}
	return marshalTagged(pk.Type(), raw), nil
}

func MarshalPrivateKey(sk PrivKey) ([]byte, error) {
	raw, err := sk.Raw()
	if err != nil {
		return nil, err
	}
	return marshalTagged(sk.Type(), raw), nil
}

func UnmarshalPublicKey(data []byte) (PubKey, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty key bytes", ErrBadKeyType)
	}
	t, raw := KeyType(data[0]), data[1:]
	switch t {
	case Ed25519:
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: bad ed25519 public key length", ErrBadKeyType)
		}
		return &Ed25519PublicKey{k: ed25519.PublicKey(raw)}, nil
	case Secp256k1:
		return unmarshalSecp256k1PublicKey(raw)
	default:
		return nil, ErrBadKeyType
	}
}

func UnmarshalPrivateKey(data []byte) (PrivKey, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty key bytes", ErrBadKeyType)
	}
	t, raw := KeyType(data[0]), data[1:]
	switch t {
	case Ed25519:
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%w: bad ed25519 private key length", ErrBadKeyType)
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return &Ed25519PrivateKey{k: ed25519.PrivateKey(cp)}, nil
	case Secp256k1:
		return unmarshalSecp256k1PrivateKey(raw)
	default:
		return nil, ErrBadKeyType
	}
}

// --- Ed25519 ---

type Ed25519PrivateKey struct{ k ed25519.PrivateKey }
type Ed25519PublicKey struct{ k ed25519.PublicKey }

func generateEd25519KeyPair(src io.Reader) (PrivKey, PubKey, error) {
	pub, priv, err := ed25519.GenerateKey(src)
	if err != nil {
		return nil, nil, err
	}
	sk := &Ed25519PrivateKey{k: priv}
	return sk, sk.GetPublic(), nil
}

func (k *Ed25519PrivateKey) Raw() ([]byte, error) { return append([]byte(nil), k.k...), nil }
func (k *Ed25519PrivateKey) Type() KeyType        { return Ed25519 }
func (k *Ed25519PrivateKey) Equals(o PrivKey) bool {
	other, ok := o.(*Ed25519PrivateKey)
	if !ok {
		return false
	}
	return ed25519.PrivateKey(k.k).Equal(ed25519.PrivateKey(other.k))
}
func (k *Ed25519PrivateKey) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(k.k, msg), nil
}
func (k *Ed25519PrivateKey) GetPublic() PubKey {
	return &Ed25519PublicKey{k: k.k.Public().(ed25519.PublicKey)}
}

func (k *Ed25519PublicKey) Raw() ([]byte, error) { return append([]byte(nil), k.k...), nil }
func (k *Ed25519PublicKey) Type() KeyType        { return Ed25519 }
func (k *Ed25519PublicKey) Equals(o PubKey) bool {
	other, ok := o.(*Ed25519PublicKey)
	if !ok {
		return false
	}
	return ed25519.PublicKey(k.k).Equal(ed25519.PublicKey(other.k))
}
func (k *Ed25519PublicKey) Verify(data, sig []byte) (bool, error) {
	return ed25519.Verify(k.k, data, sig), nil
}

// --- Secp256k1 ---

type Secp256k1PrivateKey struct{ k *secp256k1.PrivateKey }
type Secp256k1PublicKey struct{ k *secp256k1.PublicKey }

func generateSecp256k1KeyPair(src io.Reader) (PrivKey, PubKey, error) {
	var buf [32]byte
	if _, err := io.ReadFull(src, buf[:]); err != nil {
		return nil, nil, err
	}
	priv := secp256k1.PrivKeyFromBytes(buf[:])
	sk := &Secp256k1PrivateKey{k: priv}
	return sk, sk.GetPublic(), nil
}

func unmarshalSecp256k1PrivateKey(raw []byte) (PrivKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: bad secp256k1 private key length", ErrBadKeyType)
	}
	return &Secp256k1PrivateKey{k: secp256k1.PrivKeyFromBytes(raw)}, nil
}

func unmarshalSecp256k1PublicKey(raw []byte) (PubKey, error) {
	pk, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKeyType, err)
	}
	return &Secp256k1PublicKey{k: pk}, nil
}

func (k *Secp256k1PrivateKey) Raw() ([]byte, error) {
	b := k.k.Serialize()
	return b, nil
}
func (k *Secp256k1PrivateKey) Type() KeyType { return Secp256k1 }
func (k *Secp256k1PrivateKey) Equals(o PrivKey) bool {
	other, ok := o.(*Secp256k1PrivateKey)
	if !ok {
		return false
	}
	return k.k.Key.Equals(&other.k.Key)
}
func (k *Secp256k1PrivateKey) Sign(msg []byte) ([]byte, error) {
	digest := sha256Sum(msg)
	sig := ecdsaSign(k.k, digest[:])
	return sig, nil
}
func (k *Secp256k1PrivateKey) GetPublic() PubKey {
	return &Secp256k1PublicKey{k: k.k.PubKey()}
}

func (k *Secp256k1PublicKey) Raw() ([]byte, error) {
	return k.k.SerializeCompressed(), nil
}
func (k *Secp256k1PublicKey) Type() KeyType { return Secp256k1 }
func (k *Secp256k1PublicKey) Equals(o PubKey) bool {
	other, ok := o.(*Secp256k1PublicKey)
	if !ok {
		return false
	}
	return k.k.IsEqual(other.k)
}
func (k *Secp256k1PublicKey) Verify(data, sig []byte) (bool, error) {
	digest := sha256Sum(data)
	return ecdsaVerify(k.k, digest[:], sig), nil
}
