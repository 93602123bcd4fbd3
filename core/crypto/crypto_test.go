package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEd25519SignAndVerify(t *testing.T) {
	priv, pub, err := GenerateKeyPairWithReader(Ed25519, rand.Reader)
	require.NoError(t, err)

	data := []byte("hello! and welcome to some awesome crypto primitives")
	sig, err := priv.Sign(data)
	require.NoError(t, err)

	ok, err := pub.Verify(data, sig)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = pub.Verify([]byte("tampered"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSecp256k1SignAndVerify(t *testing.T) {
	priv, pub, err := GenerateKeyPairWithReader(Secp256k1, rand.Reader)
	require.NoError(t, err)

	data := []byte("some data to authenticate")
	sig, err := priv.Sign(data)
	require.NoError(t, err)

	ok, err := pub.Verify(data, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMarshalRoundTrip(t *testing.T) {
	for _, typ := range []KeyType{Ed25519, Secp256k1} {
		priv, pub, err := GenerateKeyPairWithReader(typ, rand.Reader)
		require.NoError(t, err)

		skBytes, err := MarshalPrivateKey(priv)
		require.NoError(t, err)
		sk2, err := UnmarshalPrivateKey(skBytes)
		require.NoError(t, err)
		require.True(t, priv.Equals(sk2))

		pkBytes, err := MarshalPublicKey(pub)
		require.NoError(t, err)
		pk2, err := UnmarshalPublicKey(pkBytes)
		require.NoError(t, err)
		require.True(t, pub.Equals(pk2))
	}
}
