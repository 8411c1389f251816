// sim.go - In-process implementation of the settlement contract.
//
// Implements the full contract semantics the manager relies on: deposit
// intake with fixed-point truncation and dust accrual, transcript-checked
// batch application, slot registration, payout execution, and per-leaf
// change notifications. State is persisted as a single JSON snapshot in
// LevelDB after every mutation, so a restarted process sees exactly the
// committed contract state.

package settlement

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"veilledger/internal/confidential"
)

// NativeSubUnits is the number of native sub-units per whole currency unit
// on the settlement layer.
const NativeSubUnits = 100_000_000

// subUnitsPerBalanceUnit converts between native amounts and the two
// implied decimals balances are stored at.
const subUnitsPerBalanceUnit = NativeSubUnits / 100

var snapshotKey = []byte("sim/state/v1")

// simState is the JSON-persisted snapshot of contract state.
type simState struct {
	Status   Status                       `json:"status"`
	Block    uint64                       `json:"block"`
	Leaves   map[uint32]confidential.Leaf `json:"leaves"`
	// Identifiers indexed by userIndex-1, in assignment order.
	Users    []confidential.Identifier `json:"users"`
	Deposits []DepositEvent            `json:"deposits"`
	// History keeps every emitted LeafUpdate so subscriptions can replay.
	History []LeafUpdate `json:"history"`
	// Payouts executed so far, for inspection by tests and the demo.
	Paid map[common.Address]uint64 `json:"paid"`
	// SweptDust totals dust collected so far.
	SweptDust uint64 `json:"swept_dust"`
}

// Sim is an in-process settlement contract. All methods are safe for
// concurrent use.
type Sim struct {
	mu    sync.Mutex
	store *Store
	state simState
	slots map[confidential.Identifier]confidential.UserIndex
	subs  map[uint32]map[*leafSub]struct{}
}

// NewSim opens a simulator backed by LevelDB at path; an empty path uses
// in-memory storage. Existing state is loaded, so restart is transparent.
func NewSim(path string) (*Sim, error) {
	store, err := NewStore(path)
	if err != nil {
		return nil, err
	}
	s := &Sim{
		store: store,
		state: simState{
			Leaves: make(map[uint32]confidential.Leaf),
			Paid:   make(map[common.Address]uint64),
		},
		slots: make(map[confidential.Identifier]confidential.UserIndex),
		subs:  make(map[uint32]map[*leafSub]struct{}),
	}
	raw, ok, err := store.Get(snapshotKey)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := json.Unmarshal(raw, &s.state); err != nil {
			return nil, fmt.Errorf("corrupt settlement snapshot: %w", err)
		}
		if s.state.Leaves == nil {
			s.state.Leaves = make(map[uint32]confidential.Leaf)
		}
		if s.state.Paid == nil {
			s.state.Paid = make(map[common.Address]uint64)
		}
		for i, id := range s.state.Users {
			s.slots[id] = confidential.UserIndex(i + 1)
		}
	}
	return s, nil
}

// Close persists the snapshot and releases the store.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(); err != nil {
		return err
	}
	return s.store.Close()
}

func (s *Sim) persistLocked() error {
	raw, err := json.Marshal(&s.state)
	if err != nil {
		return fmt.Errorf("snapshot encode failed: %w", err)
	}
	return s.store.Put(snapshotKey, raw)
}

// AdvanceBlock bumps the chain height without any state change, the way an
// unrelated transaction would.
func (s *Sim) AdvanceBlock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Block++
	return s.state.Block
}

// DepositTo accepts a public deposit of nativeAmount sub-units toward a
// blinded recipient. The amount is truncated to balance granularity; the
// remainder accrues as dust. Anyone may call it.
func (s *Sim) DepositTo(commitment *confidential.DepositCommitment, nativeAmount uint64, from common.Address) (DepositEvent, error) {
	if commitment == nil || len(commitment.Ciphertext) == 0 {
		return DepositEvent{}, &confidential.ValidationError{Field: "commitment", Reason: "empty"}
	}
	credited := nativeAmount / subUnitsPerBalanceUnit
	if credited == 0 {
		return DepositEvent{}, &confidential.ValidationError{Field: "amount", Reason: "below balance granularity"}
	}
	remainder := nativeAmount % subUnitsPerBalanceUnit

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Block++
	s.state.Status.OpCount++
	s.state.Status.Dust += remainder

	ev := DepositEvent{
		Commitment: *commitment,
		Amount:     credited,
		From:       from,
		Block:      s.state.Block,
		TxHash:     crypto.Keccak256Hash([]byte("deposit"), commitment.Bytes(), be64(s.state.Status.OpCount)),
	}
	s.state.Deposits = append(s.state.Deposits, ev)
	if err := s.persistLocked(); err != nil {
		return DepositEvent{}, err
	}
	return ev, nil
}

// DepositWithAuthorization is the gas-less deposit variant: the depositor
// signs (commitment, amount, deadline) off-chain and a relayer submits it.
// The depositor address is recovered from the signature.
func (s *Sim) DepositWithAuthorization(commitment *confidential.DepositCommitment, nativeAmount uint64, auth Authorization) (DepositEvent, error) {
	if commitment == nil || len(commitment.Ciphertext) == 0 {
		return DepositEvent{}, &confidential.ValidationError{Field: "commitment", Reason: "empty"}
	}
	s.mu.Lock()
	head := s.state.Block
	s.mu.Unlock()
	if auth.Deadline < head {
		return DepositEvent{}, ErrExpiredAuthorization
	}
	digest := AuthorizationDigest(commitment, nativeAmount, auth.Deadline)
	pub, err := crypto.SigToPub(digest[:], auth.Signature)
	if err != nil {
		return DepositEvent{}, fmt.Errorf("%w: %v", ErrBadAuthorization, err)
	}
	// Recovery alone cannot detect tampering: a modified message recovers a
	// different, valid-looking signer. The claimed owner pins it down.
	if crypto.PubkeyToAddress(*pub) != auth.Owner {
		return DepositEvent{}, fmt.Errorf("%w: signer is not the claimed owner", ErrBadAuthorization)
	}
	return s.DepositTo(commitment, nativeAmount, auth.Owner)
}

// AuthorizationDigest is the message a depositor signs for a gas-less
// deposit.
func AuthorizationDigest(commitment *confidential.DepositCommitment, nativeAmount, deadline uint64) common.Hash {
	return crypto.Keccak256Hash([]byte("veilledger/deposit-auth/v1"), commitment.Bytes(), be64(nativeAmount), be64(deadline))
}

// Status implements Ledger.
func (s *Sim) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status, nil
}

// HeadBlock implements Ledger.
func (s *Sim) HeadBlock() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Block, nil
}

// UserSlot implements Ledger; 0 means unregistered.
func (s *Sim) UserSlot(id confidential.Identifier) (confidential.UserIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[id], nil
}

// UserSlots implements Ledger.
func (s *Sim) UserSlots(ids []confidential.Identifier) ([]confidential.UserIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]confidential.UserIndex, len(ids))
	for i, id := range ids {
		out[i] = s.slots[id]
	}
	return out, nil
}

// IdentifierAt implements Ledger.
func (s *Sim) IdentifierAt(index confidential.UserIndex) (confidential.Identifier, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 || uint64(index) > uint64(len(s.state.Users)) {
		return confidential.Identifier{}, false, nil
	}
	return s.state.Users[index-1], true, nil
}

// LeafAt implements Ledger. Untouched leaves come back virgin.
func (s *Sim) LeafAt(index uint32) (confidential.Leaf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if leaf, ok := s.state.Leaves[index]; ok {
		return leaf.Clone(), nil
	}
	return confidential.Leaf{Index: index}, nil
}

// DepositsSince implements Ledger.
func (s *Sim) DepositsSince(fromBlock uint64) ([]DepositEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DepositEvent
	for _, ev := range s.state.Deposits {
		if ev.Block >= fromBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

// SubmitBatch implements Ledger. The digest is recomputed from the received
// batch plus stored counters; disagreement rejects the batch whole.
func (s *Sim) SubmitBatch(batch *confidential.UpdateBatch, digest confidential.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.OpStart != s.state.Status.ProcessedOps {
		return fmt.Errorf("%w: opStart %d, processedOps %d", ErrDiscontinuous, batch.OpStart, s.state.Status.ProcessedOps)
	}
	if batch.OpStart+batch.OpCount > s.state.Status.OpCount {
		return fmt.Errorf("%w: range end %d exceeds opCount %d", ErrDiscontinuous, batch.OpStart+batch.OpCount, s.state.Status.OpCount)
	}
	if batch.NextBlock < s.state.Status.LastProcessedBlock {
		return fmt.Errorf("settlement: nextBlock %d behind watermark %d", batch.NextBlock, s.state.Status.LastProcessedBlock)
	}

	prior := make(map[uint32]confidential.Leaf, len(batch.Updates))
	for _, leaf := range batch.Updates {
		prior[leaf.Index] = s.state.Leaves[leaf.Index]
	}
	recomputed, err := confidential.ComputeTranscript(batch, prior, s.state.Status.UserCount)
	if err != nil {
		return err
	}
	if recomputed != digest {
		return confidential.ErrIntegrityMismatch
	}

	// Slots are assigned once and never reassigned; reject a repeat of an
	// existing identifier and a repeat inside this batch alike.
	seen := make(map[confidential.Identifier]struct{}, len(batch.NewUsers))
	for _, id := range batch.NewUsers {
		if _, taken := s.slots[id]; taken {
			return fmt.Errorf("settlement: identifier already registered")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("settlement: identifier repeated in batch")
		}
		seen[id] = struct{}{}
	}

	// Digest verified: apply the whole transition.
	for _, id := range batch.NewUsers {
		s.state.Users = append(s.state.Users, id)
		s.slots[id] = confidential.UserIndex(len(s.state.Users))
	}
	s.state.Status.UserCount = uint64(len(s.state.Users))

	s.state.Block++
	txHash := crypto.Keccak256Hash([]byte("batch"), digest[:])
	for _, leaf := range batch.Updates {
		stored := leaf.Clone()
		s.state.Leaves[leaf.Index] = stored
		update := LeafUpdate{Leaf: stored.Clone(), Block: s.state.Block, TxHash: txHash}
		s.state.History = append(s.state.History, update)
		s.notifyLocked(update)
	}

	for _, p := range batch.Payouts {
		s.state.Paid[p.Recipient] += p.Amount
	}

	s.state.Status.ProcessedOps += batch.OpCount
	s.state.Status.LastProcessedBlock = batch.NextBlock
	return s.persistLocked()
}

// CollectDust implements Ledger.
func (s *Sim) CollectDust(to common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := s.state.Status.Dust
	if swept == 0 {
		return 0, nil
	}
	s.state.Status.Dust = 0
	s.state.SweptDust += swept
	s.state.Paid[to] += swept / subUnitsPerBalanceUnit
	s.state.Block++
	return swept, s.persistLocked()
}

// PaidTo reports the total executed payout amount for an address.
func (s *Sim) PaidTo(addr common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Paid[addr]
}

// leafSub is one live subscription on a leaf index.
type leafSub struct {
	sim   *Sim
	index uint32
	ch    chan LeafUpdate
	once  sync.Once
}

func (l *leafSub) Updates() <-chan LeafUpdate { return l.ch }

func (l *leafSub) Unsubscribe() {
	l.once.Do(func() {
		l.sim.mu.Lock()
		defer l.sim.mu.Unlock()
		if set, ok := l.sim.subs[l.index]; ok {
			delete(set, l)
			if len(set) == 0 {
				delete(l.sim.subs, l.index)
			}
		}
		close(l.ch)
	})
}

// SubscribeLeafUpdates implements Ledger. History from fromBlock onward is
// replayed into the channel before live updates; the channel is buffered so
// replay never blocks the subscriber's first read.
func (s *Sim) SubscribeLeafUpdates(leafIndex uint32, fromBlock uint64) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var backlog []LeafUpdate
	for _, u := range s.state.History {
		if u.Leaf.Index == leafIndex && u.Block >= fromBlock {
			backlog = append(backlog, u)
		}
	}
	sub := &leafSub{sim: s, index: leafIndex, ch: make(chan LeafUpdate, len(backlog)+64)}
	for _, u := range backlog {
		sub.ch <- u
	}
	if s.subs[leafIndex] == nil {
		s.subs[leafIndex] = make(map[*leafSub]struct{})
	}
	s.subs[leafIndex][sub] = struct{}{}
	return sub, nil
}

// notifyLocked fans a leaf update out to live subscribers. Slow consumers
// that have filled their buffer miss the notification rather than wedging
// batch submission; they can restart a watch from an earlier block.
func (s *Sim) notifyLocked(update LeafUpdate) {
	for sub := range s.subs[update.Leaf.Index] {
		select {
		case sub.ch <- update:
		default:
		}
	}
}

func be64(v uint64) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b[:]
}
