package confidential

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitmentRoundTrip(t *testing.T) {
	ctx, err := NewManagerContext([]byte("test-master-secret-0123456789ab"))
	require.NoError(t, err)

	for _, identity := range []string{"alice", "bob_smith", "c.d_e9"} {
		commitment, _, err := CreateCommitment(identity, ctx.PublicKey())
		require.NoError(t, err)

		opened, err := OpenCommitment(commitment, ctx.KeyPair().Sk)
		require.NoError(t, err)
		require.Equal(t, identity, opened)
	}
}

func TestCommitmentUnlinkable(t *testing.T) {
	ctx, err := NewManagerContext([]byte("test-master-secret-0123456789ab"))
	require.NoError(t, err)

	// Two commitments to the same identity share no bytes an observer can
	// correlate: fresh ephemeral keys, fresh ciphertext.
	c1, _, err := CreateCommitment("alice", ctx.PublicKey())
	require.NoError(t, err)
	c2, _, err := CreateCommitment("alice", ctx.PublicKey())
	require.NoError(t, err)

	require.NotEqual(t, c1.EphemeralKey, c2.EphemeralKey)
	require.NotEqual(t, c1.Ciphertext, c2.Ciphertext)
}

func TestCommitmentWrongKey(t *testing.T) {
	ctx, err := NewManagerContext([]byte("test-master-secret-0123456789ab"))
	require.NoError(t, err)
	other, err := NewManagerContext([]byte("wrong-master-secret-0123456789"))
	require.NoError(t, err)

	commitment, _, err := CreateCommitment("alice", ctx.PublicKey())
	require.NoError(t, err)

	_, err = OpenCommitment(commitment, other.KeyPair().Sk)
	require.ErrorIs(t, err, ErrDecode)
}

func TestCommitmentMalformed(t *testing.T) {
	ctx, err := NewManagerContext([]byte("test-master-secret-0123456789ab"))
	require.NoError(t, err)

	commitment, _, err := CreateCommitment("alice", ctx.PublicKey())
	require.NoError(t, err)

	// Truncated ciphertext.
	short := &DepositCommitment{EphemeralKey: commitment.EphemeralKey, Ciphertext: commitment.Ciphertext[:8]}
	_, err = OpenCommitment(short, ctx.KeyPair().Sk)
	require.ErrorIs(t, err, ErrDecode)

	// Flipped ciphertext byte fails authentication.
	tampered := &DepositCommitment{EphemeralKey: commitment.EphemeralKey, Ciphertext: append([]byte(nil), commitment.Ciphertext...)}
	tampered.Ciphertext[len(tampered.Ciphertext)-1] ^= 0x01
	_, err = OpenCommitment(tampered, ctx.KeyPair().Sk)
	require.ErrorIs(t, err, ErrDecode)

	// Nil commitment.
	_, err = OpenCommitment(nil, ctx.KeyPair().Sk)
	require.ErrorIs(t, err, ErrDecode)

	// Invalid identity rejected at creation time.
	_, _, err = CreateCommitment("_bad", ctx.PublicKey())
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
}
