// transcript.go - Canonical batch commitment.
//
// The transcript binds an entire proposed batch to a single digest that the
// settlement layer recomputes from the batch it receives plus its own
// stored counters. Determinism demands a byte-stable serialization:
// fixed-width big-endian integers, length prefixes, fixed slot ordering,
// and no map iteration anywhere.

package confidential

import (
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Payout is an external withdrawal executed by the settlement layer.
type Payout struct {
	Recipient common.Address `json:"recipient"`
	Amount    uint64         `json:"amount"`
}

// UpdateBatch is a proposed atomic state transition. It is ephemeral:
// constructed, transcripted, submitted, discarded.
type UpdateBatch struct {
	// OpStart/OpCount identify the contiguous range of deposit operations
	// this batch consumes.
	OpStart uint64 `json:"op_start"`
	OpCount uint64 `json:"op_count"`
	// NextBlock is the settlement-layer block height up to which deposit
	// events were scanned; the next batch resumes at NextBlock+1.
	NextBlock uint64 `json:"next_block"`
	// Updates holds re-encrypted leaves, strictly ascending by index, at
	// most one entry per leaf index. Real changes and chaff are
	// indistinguishable here.
	Updates []Leaf `json:"updates"`
	// NewUsers lists identifiers to register, in assignment order.
	NewUsers []Identifier `json:"new_users"`
	// Payouts lists external withdrawals, in construction order.
	Payouts []Payout `json:"payouts"`
}

// Digest is a transcript commitment hash.
type Digest [32]byte

// Hash returns the digest as a common.Hash for logging and wire use.
func (d Digest) Hash() common.Hash { return common.Hash(d) }

// ComputeTranscript canonically serializes the batch together with the
// ledger's prior user count and hashes it. priorLeaves carries the current
// on-ledger version of every updated leaf; the transcript refuses batches
// whose nonces do not strictly increase, and batches whose updates are not
// sorted, so a digest can only ever cover a well-formed transition.
func ComputeTranscript(batch *UpdateBatch, priorLeaves map[uint32]Leaf, priorUserCount uint64) (Digest, error) {
	h := sha256.New()
	h.Write([]byte("veilledger/transcript/v1"))
	h.Write(be64(batch.OpStart))
	h.Write(be64(batch.OpCount))
	h.Write(be64(batch.NextBlock))
	h.Write(be64(priorUserCount))

	h.Write(be32(uint32(len(batch.Updates))))
	lastIndex := int64(-1)
	for _, leaf := range batch.Updates {
		if int64(leaf.Index) <= lastIndex {
			return Digest{}, &ValidationError{
				Field:  "updates",
				Reason: fmt.Sprintf("not strictly ascending at leaf %d", leaf.Index),
			}
		}
		lastIndex = int64(leaf.Index)
		prior := priorLeaves[leaf.Index]
		if leaf.Nonce <= prior.Nonce {
			return Digest{}, fmt.Errorf("%w: leaf %d: %d -> %d", ErrNonceRegression, leaf.Index, prior.Nonce, leaf.Nonce)
		}
		h.Write(be32(leaf.Index))
		h.Write(be64(leaf.Nonce))
		for _, slot := range leaf.Slots {
			h.Write(be32(uint32(len(slot))))
			h.Write(slot)
		}
	}

	h.Write(be32(uint32(len(batch.NewUsers))))
	for _, id := range batch.NewUsers {
		h.Write(id[:])
	}

	h.Write(be32(uint32(len(batch.Payouts))))
	for _, p := range batch.Payouts {
		if p.Amount == 0 {
			return Digest{}, &ValidationError{Field: "payout", Reason: "amount must be positive"}
		}
		h.Write(p.Recipient[:])
		h.Write(be64(p.Amount))
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}
