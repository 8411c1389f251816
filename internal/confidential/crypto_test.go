package confidential

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDHSharedSymmetry(t *testing.T) {
	a, err := GenerateDHKeyPair()
	require.NoError(t, err)
	b, err := GenerateDHKeyPair()
	require.NoError(t, err)

	ab := ComputeDHShared(a.Sk, b.Pk)
	ba := ComputeDHShared(b.Sk, a.Pk)
	require.True(t, ab.Equal(ba))
}

func TestHashToScalarDeterministic(t *testing.T) {
	s1, err := hashToScalar([]byte("payload"), []byte("domain-a"))
	require.NoError(t, err)
	s2, err := hashToScalar([]byte("payload"), []byte("domain-a"))
	require.NoError(t, err)
	require.True(t, s1.Equal(s2))

	s3, err := hashToScalar([]byte("payload"), []byte("domain-b"))
	require.NoError(t, err)
	require.False(t, s1.Equal(s3), "domains must separate scalars")

	require.False(t, s1.IsZero())
}

func TestSealOpenRoundTrip(t *testing.T) {
	kp, err := GenerateDHKeyPair()
	require.NoError(t, err)
	key := deriveKey("test/label", kp.Pk, []byte("ctx"))
	nonce := deriveGCMNonce("test/nonce", []byte("ctx"))

	sealed, err := sealBytes(key, nonce, []byte("hello"))
	require.NoError(t, err)
	opened, err := openBytes(key, nonce, sealed)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), opened)

	// Any bit flip breaks authentication.
	sealed[0] ^= 0x01
	_, err = openBytes(key, nonce, sealed)
	require.Error(t, err)
}

func TestRandomBytesFillsBuffer(t *testing.T) {
	a, err := randomBytes(12)
	require.NoError(t, err)
	require.Len(t, a, 12)

	b, err := randomBytes(12)
	require.NoError(t, err)
	require.NotEqual(t, a, b, "consecutive draws must differ")
}

func TestDeriveKeyContextSeparation(t *testing.T) {
	kp, err := GenerateDHKeyPair()
	require.NoError(t, err)

	k1 := deriveKey("label-a", kp.Pk)
	k2 := deriveKey("label-b", kp.Pk)
	require.NotEqual(t, k1, k2)

	k3 := deriveKey("label-a", kp.Pk, []byte{1})
	require.NotEqual(t, k1, k3)
}
