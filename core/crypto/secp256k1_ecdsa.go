package crypto

import (
	"crypto/sha256"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

func sha256Sum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func ecdsaSign(k *secp256k1.PrivateKey, digest []byte) []byte {
	sig := ecdsa.Sign(k, digest)
	return sig.Serialize()
}

func ecdsaVerify(pub *secp256k1.PublicKey, digest, sig []byte) bool {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest, pub)
}
