// settlement.go - Interface to the public settlement layer.
//
// The settlement contract is an external collaborator: it holds per-leaf
// ciphertext, slot assignments, running counters, and dust, and emits a
// change notification for every leaf a batch touches. The manager holds no
// durable state of its own; everything needed to resume after a crash is
// read back from here.

package settlement

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"veilledger/internal/confidential"
)

var (
	// ErrNotManager is returned for manager-only operations invoked by
	// anyone else.
	ErrNotManager = errors.New("settlement: manager only")

	// ErrDiscontinuous is returned when a batch's opStart does not pick up
	// exactly where processedOps left off.
	ErrDiscontinuous = errors.New("settlement: batch operation range is not contiguous")

	// ErrExpiredAuthorization is returned for a delegated-approval deposit
	// whose deadline has passed.
	ErrExpiredAuthorization = errors.New("settlement: authorization expired")

	// ErrBadAuthorization is returned when an authorization signature does
	// not verify.
	ErrBadAuthorization = errors.New("settlement: invalid authorization signature")
)

// Status is the ledger-side bookkeeping snapshot.
type Status struct {
	// OpCount counts deposit operations accepted so far.
	OpCount uint64 `json:"op_count"`
	// ProcessedOps counts deposit operations consumed by submitted batches;
	// always <= OpCount.
	ProcessedOps uint64 `json:"processed_ops"`
	// UserCount is the highest assigned user index.
	UserCount uint64 `json:"user_count"`
	// LastProcessedBlock is the deposit-scan watermark; it only advances.
	LastProcessedBlock uint64 `json:"last_processed_block"`
	// Dust accumulates sub-unit truncation remainders, in native sub-units.
	Dust uint64 `json:"dust"`
}

// ResumeFromBlock computes where a restarted manager resumes scanning
// deposit events. Restart-after-crash is safe and idempotent because this
// is derived purely from contract state.
func ResumeFromBlock(st Status) uint64 { return st.LastProcessedBlock + 1 }

// DepositEvent is one accepted public deposit.
type DepositEvent struct {
	Commitment confidential.DepositCommitment `json:"commitment"`
	// Amount is already converted to balance units (two implied decimals).
	Amount uint64         `json:"amount"`
	From   common.Address `json:"from"`
	Block  uint64         `json:"block"`
	TxHash common.Hash    `json:"tx_hash"`
}

// LeafUpdate is the change notification emitted for every leaf a batch
// touches, chaff included.
type LeafUpdate struct {
	Leaf   confidential.Leaf `json:"leaf"`
	Block  uint64            `json:"block"`
	TxHash common.Hash       `json:"tx_hash"`
}

// Subscription is a handle on a stream of leaf updates. Unsubscribe is
// idempotent and must be called on every exit path; after it returns the
// Updates channel is closed.
type Subscription interface {
	Updates() <-chan LeafUpdate
	Unsubscribe()
}

// Authorization is a delegated-approval signature allowing a gas-less
// deposit on behalf of the signer.
type Authorization struct {
	// Owner is the depositor the funds are drawn from; the recovered
	// signer must match it exactly.
	Owner common.Address `json:"owner"`
	// Deadline is the last block at which the authorization is valid.
	Deadline uint64 `json:"deadline"`
	// Signature is a 65-byte secp256k1 signature over
	// keccak256(commitment ‖ amount ‖ deadline).
	Signature []byte `json:"signature"`
}

// Ledger is the set of settlement-layer operations the manager and user
// clients consume.
type Ledger interface {
	// Status returns the current counters.
	Status() (Status, error)

	// HeadBlock returns the current chain height, used as the nextBlock
	// watermark for batch construction.
	HeadBlock() (uint64, error)

	// UserSlot returns the user index assigned to an identifier, 0 if
	// unregistered.
	UserSlot(id confidential.Identifier) (confidential.UserIndex, error)

	// UserSlots is the batched variant of UserSlot, in input order.
	UserSlots(ids []confidential.Identifier) ([]confidential.UserIndex, error)

	// IdentifierAt returns the identifier registered at a user index.
	// ok is false for unassigned indexes.
	IdentifierAt(index confidential.UserIndex) (id confidential.Identifier, ok bool, err error)

	// LeafAt returns the current version of a leaf. Never-touched leaves
	// come back in their virgin state (nonce 0, empty slots).
	LeafAt(index uint32) (confidential.Leaf, error)

	// DepositsSince returns all deposit events with Block >= fromBlock,
	// in acceptance order.
	DepositsSince(fromBlock uint64) ([]DepositEvent, error)

	// SubmitBatch verifies the transcript digest against a locally
	// recomputed one, applies leaf updates, registers new users, executes
	// payouts, and advances the counters. Manager only. The batch applies
	// whole or not at all.
	SubmitBatch(batch *confidential.UpdateBatch, digest confidential.Digest) error

	// SubscribeLeafUpdates streams change notifications for one leaf index,
	// replaying history from fromBlock before going live.
	SubscribeLeafUpdates(leafIndex uint32, fromBlock uint64) (Subscription, error)

	// CollectDust sweeps accumulated truncation remainders to an address
	// and returns the swept amount. Manager only.
	CollectDust(to common.Address) (uint64, error)
}
