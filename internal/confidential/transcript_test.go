package confidential

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func transcriptFixture(t *testing.T) (*UpdateBatch, map[uint32]Leaf) {
	t.Helper()
	_, _, secrets := leafFixture(t)

	prior, err := EncryptLeaf([LeafCapacity]Balance{1, 2, 3, 4, 5, 6}, secrets, 0, 3)
	require.NoError(t, err)
	update, err := EncryptLeaf([LeafCapacity]Balance{1, 2, 9, 4, 5, 6}, secrets, 0, 4)
	require.NoError(t, err)

	batch := &UpdateBatch{
		OpStart:   10,
		OpCount:   2,
		NextBlock: 77,
		Updates:   []Leaf{update},
		NewUsers:  []Identifier{{0x01}, {0x02}},
		Payouts:   []Payout{{Recipient: common.HexToAddress("0xdead"), Amount: 125}},
	}
	return batch, map[uint32]Leaf{0: prior}
}

func TestTranscriptDeterministic(t *testing.T) {
	batch, prior := transcriptFixture(t)

	d1, err := ComputeTranscript(batch, prior, 6)
	require.NoError(t, err)
	d2, err := ComputeTranscript(batch, prior, 6)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestTranscriptBindsEveryField(t *testing.T) {
	batch, prior := transcriptFixture(t)
	base, err := ComputeTranscript(batch, prior, 6)
	require.NoError(t, err)

	mutations := []func(b *UpdateBatch){
		func(b *UpdateBatch) { b.OpStart++ },
		func(b *UpdateBatch) { b.OpCount++ },
		func(b *UpdateBatch) { b.NextBlock++ },
		func(b *UpdateBatch) { b.Updates[0].Slots[0][0] ^= 0x01 },
		func(b *UpdateBatch) { b.NewUsers[0][0] ^= 0x01 },
		func(b *UpdateBatch) { b.NewUsers[0], b.NewUsers[1] = b.NewUsers[1], b.NewUsers[0] },
		func(b *UpdateBatch) { b.Payouts[0].Amount++ },
		func(b *UpdateBatch) { b.Payouts[0].Recipient[0] ^= 0x01 },
	}
	for i, mutate := range mutations {
		fresh, freshPrior := transcriptFixture(t)
		mutate(fresh)
		d, err := ComputeTranscript(fresh, freshPrior, 6)
		require.NoError(t, err, "mutation %d", i)
		require.NotEqual(t, base, d, "mutation %d did not change the digest", i)
	}

	// Prior user count is a settlement-side input, bound the same way.
	d, err := ComputeTranscript(batch, prior, 7)
	require.NoError(t, err)
	require.NotEqual(t, base, d)
}

func TestTranscriptRejectsNonceRegression(t *testing.T) {
	batch, prior := transcriptFixture(t)

	// Same nonce as the stored leaf.
	batch.Updates[0].Nonce = prior[0].Nonce
	_, err := ComputeTranscript(batch, prior, 6)
	require.ErrorIs(t, err, ErrNonceRegression)

	// Older nonce.
	batch.Updates[0].Nonce = prior[0].Nonce - 1
	_, err = ComputeTranscript(batch, prior, 6)
	require.ErrorIs(t, err, ErrNonceRegression)
}

func TestTranscriptRejectsUnsortedUpdates(t *testing.T) {
	batch, prior := transcriptFixture(t)
	dup := batch.Updates[0].Clone()
	batch.Updates = append(batch.Updates, dup) // duplicate index 0

	_, err := ComputeTranscript(batch, prior, 6)
	require.Error(t, err)
	require.True(t, IsValidation(err))
}

func TestTranscriptRejectsZeroPayout(t *testing.T) {
	batch, prior := transcriptFixture(t)
	batch.Payouts[0].Amount = 0
	_, err := ComputeTranscript(batch, prior, 6)
	require.True(t, IsValidation(err))
}
