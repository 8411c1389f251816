// manager.go - Batch construction and submission.
//
// The manager turns deposit events and off-ledger requests into a single
// verifiable UpdateBatch: it opens blinded deposits, resolves identities to
// slots, applies overflow-safe deltas, re-encrypts every touched leaf under
// an incremented nonce, pads the update set with deterministic chaff, and
// seals the whole thing with a transcript digest. Individual operation
// failures land in the skip report; only unreadable contract state aborts
// construction.

package manager

import (
	"fmt"
	"sort"
	"sync"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"veilledger/internal/confidential"
	"veilledger/internal/settlement"
)

// Config carries the manager's tunables.
type Config struct {
	// ChaffMultiplier bounds decoy re-encryptions at multiplier x (real
	// leaves touched). A heuristic privacy parameter, not a guarantee.
	ChaffMultiplier int
	// DomainTag namespaces key derivation; empty selects the default.
	DomainTag string
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{ChaffMultiplier: 2}
}

// Manager orchestrates batch construction against a settlement ledger.
type Manager struct {
	ctx    *confidential.ManagerContext
	ledger settlement.Ledger
	cfg    Config
	log    zerolog.Logger

	// submitMu serializes submission: at most one batch in flight, even
	// though the next batch's inputs may be gathered concurrently.
	submitMu sync.Mutex
}

// New builds a Manager. The context object carries all secret state; the
// manager itself holds nothing durable.
func New(ctx *confidential.ManagerContext, ledger settlement.Ledger, cfg Config, log zerolog.Logger) *Manager {
	if cfg.ChaffMultiplier < 0 {
		cfg.ChaffMultiplier = 0
	}
	return &Manager{ctx: ctx, ledger: ledger, cfg: cfg, log: log}
}

// BuildResult is a constructed batch plus everything the caller needs to
// submit and account for it.
type BuildResult struct {
	Batch  *confidential.UpdateBatch
	Digest confidential.Digest
	Report *Report
}

// Empty reports whether the batch carries no state transition at all.
func (r *BuildResult) Empty() bool {
	b := r.Batch
	return b.OpCount == 0 && len(b.Updates) == 0 && len(b.NewUsers) == 0 && len(b.Payouts) == 0
}

// participant is the working state for one identity involved in a batch.
type participant struct {
	identity string
	kp       *confidential.DHKeyPair
	index    confidential.UserIndex
	isNew    bool
	leaf     *leafState
	// failReason is non-empty when the participant's leaf state could not
	// be read; every operation naming it is skipped with this reason.
	failReason string
}

func (p *participant) balance() confidential.Balance {
	return p.leaf.balances[p.index.Slot()]
}

func (p *participant) setBalance(b confidential.Balance) {
	p.leaf.balances[p.index.Slot()] = b
	p.leaf.dirty = true
}

// leafState is the decrypted working copy of one leaf.
type leafState struct {
	prior    confidential.Leaf
	balances [confidential.LeafCapacity]confidential.Balance
	secrets  [confidential.LeafCapacity]*bls12377.G1Affine
	dirty    bool
	// failReason is non-empty when an occupant slot could not be decrypted
	// or its identifier could not be decoded.
	failReason string
}

// build is the per-call working set.
type build struct {
	status       settlement.Status
	participants map[string]*participant
	byIndex      map[confidential.UserIndex]*participant
	leaves       map[uint32]*leafState
	newUsers     []confidential.Identifier
	payouts      []confidential.Payout
	assigned     confidential.UserIndex // highest user index incl. this batch
	report       *Report
}

// BuildBatch constructs an UpdateBatch over the given deposit events and
// requests, scanned up to nextBlock. It never submits. Construction is a
// pure function of its inputs and current ledger state: rebuilding over
// identical inputs yields a byte-identical batch.
func (m *Manager) BuildBatch(deposits []settlement.DepositEvent, requests []Request, nextBlock uint64) (*BuildResult, error) {
	st, err := m.ledger.Status()
	if err != nil {
		return nil, fmt.Errorf("manager: status read failed: %w", err)
	}

	b := &build{
		status:       st,
		participants: make(map[string]*participant),
		byIndex:      make(map[confidential.UserIndex]*participant),
		leaves:       make(map[uint32]*leafState),
		assigned:     confidential.UserIndex(st.UserCount),
		report:       &Report{},
	}

	// Step 1: open deposit commitments. Unopenable or ill-formed deposits
	// are dropped singly; the operation range still counts them.
	type openedDeposit struct {
		identity string
		amount   uint64
		from     common.Address
	}
	var opened []openedDeposit
	for i := range deposits {
		ev := &deposits[i]
		identity, err := confidential.OpenCommitment(&ev.Commitment, m.ctx.KeyPair().Sk)
		if err != nil {
			b.report.add("deposit", ev.TxHash.Hex(), err.Error())
			continue
		}
		if err := confidential.ValidateIdentity(identity); err != nil {
			b.report.add("deposit", identity, err.Error())
			continue
		}
		opened = append(opened, openedDeposit{identity: identity, amount: ev.Amount, from: ev.From})
	}

	// Step 2: validate request shapes.
	var valid []Request
	for i := range requests {
		req := requests[i]
		if err := req.Validate(); err != nil {
			kind := string(req.Kind)
			if kind == "" {
				kind = "unknown"
			}
			b.report.add(kind, req.subject(), err.Error())
			continue
		}
		valid = append(valid, req)
	}

	// Step 3: resolve identities to slots, in first-seen order so that
	// index assignment is deterministic.
	var order []string
	seen := make(map[string]bool)
	note := func(identity string) {
		if !seen[identity] {
			seen[identity] = true
			order = append(order, identity)
		}
	}
	for _, d := range opened {
		note(d.identity)
	}
	for _, req := range valid {
		note(req.From)
		if req.Kind == KindTransfer {
			note(req.To)
		}
	}
	if err := m.resolve(b, order); err != nil {
		return nil, err
	}

	// Step 4+5: apply deltas with the overflow policy. Deposits first, in
	// event order, then requests in submission order.
	for _, d := range opened {
		m.applyDeposit(b, d.identity, d.amount, d.from)
	}
	for i := range valid {
		m.applyRequest(b, &valid[i])
	}

	// Step 6: re-encrypt every dirty leaf under an incremented nonce.
	var updates []confidential.Leaf
	priorLeaves := make(map[uint32]confidential.Leaf)
	for index, ls := range b.leaves {
		if !ls.dirty || ls.failReason != "" {
			continue
		}
		leaf, err := confidential.EncryptLeaf(ls.balances, ls.secrets, index, ls.prior.Nonce+1)
		if err != nil {
			return nil, fmt.Errorf("manager: re-encrypting leaf %d: %w", index, err)
		}
		updates = append(updates, leaf)
		priorLeaves[index] = ls.prior
	}

	// Step 7: chaff. Re-encrypt decoy leaves (same balances, bumped nonce)
	// chosen deterministically from (opStart, opCount).
	touched := make(map[uint32]bool, len(updates))
	for _, u := range updates {
		touched[u.Index] = true
	}
	opStart := st.ProcessedOps
	opCount := uint64(len(deposits))
	for _, index := range selectChaff(opStart, opCount, touched, priorLeafCount(st.UserCount), m.cfg.ChaffMultiplier) {
		ls, err := m.loadLeaf(b, index)
		if err != nil {
			return nil, err
		}
		if ls.failReason != "" {
			b.report.add("chaff", fmt.Sprintf("leaf %d", index), ls.failReason)
			continue
		}
		leaf, err := confidential.EncryptLeaf(ls.balances, ls.secrets, index, ls.prior.Nonce+1)
		if err != nil {
			return nil, fmt.Errorf("manager: re-encrypting chaff leaf %d: %w", index, err)
		}
		updates = append(updates, leaf)
		priorLeaves[index] = ls.prior
	}

	// Step 8: assemble and transcript.
	sort.Slice(updates, func(i, j int) bool { return updates[i].Index < updates[j].Index })
	batch := &confidential.UpdateBatch{
		OpStart:   opStart,
		OpCount:   opCount,
		NextBlock: nextBlock,
		Updates:   updates,
		NewUsers:  b.newUsers,
		Payouts:   b.payouts,
	}
	digest, err := confidential.ComputeTranscript(batch, priorLeaves, st.UserCount)
	if err != nil {
		return nil, fmt.Errorf("manager: transcript failed: %w", err)
	}

	m.log.Info().
		Uint64("op_start", opStart).
		Uint64("op_count", opCount).
		Uint64("next_block", nextBlock).
		Int("updates", len(updates)).
		Int("new_users", len(b.newUsers)).
		Int("payouts", len(b.payouts)).
		Int("skips", len(b.report.Skips)).
		Msg("batch constructed")

	return &BuildResult{Batch: batch, Digest: digest, Report: b.report}, nil
}

// Submit submits a built batch. Submissions are serialized: at most one
// batch is in flight, and a batch applies whole or not at all.
func (m *Manager) Submit(res *BuildResult) error {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	if err := m.ledger.SubmitBatch(res.Batch, res.Digest); err != nil {
		return fmt.Errorf("manager: submission rejected: %w", err)
	}
	m.log.Info().
		Uint64("op_start", res.Batch.OpStart).
		Str("digest", res.Digest.Hash().Hex()).
		Msg("batch submitted")
	return nil
}

// Sync performs one full manager cycle: read the resume watermark from the
// ledger (the manager keeps no durable state), scan deposit events, build a
// batch over them plus the supplied requests, and submit it if it carries
// any transition. Safe to re-run after a crash at any point.
func (m *Manager) Sync(requests []Request) (*BuildResult, error) {
	st, err := m.ledger.Status()
	if err != nil {
		return nil, fmt.Errorf("manager: status read failed: %w", err)
	}
	head, err := m.ledger.HeadBlock()
	if err != nil {
		return nil, fmt.Errorf("manager: head read failed: %w", err)
	}
	scanned, err := m.ledger.DepositsSince(settlement.ResumeFromBlock(st))
	if err != nil {
		return nil, fmt.Errorf("manager: deposit scan failed: %w", err)
	}
	// Consume only deposits at or below the head read above; anything that
	// landed since belongs to the next cycle, or it would be credited twice.
	deposits := scanned[:0:0]
	for _, ev := range scanned {
		if ev.Block <= head {
			deposits = append(deposits, ev)
		}
	}
	res, err := m.BuildBatch(deposits, requests, head)
	if err != nil {
		return nil, err
	}
	if res.Empty() && head == st.LastProcessedBlock {
		return res, nil
	}
	if err := m.Submit(res); err != nil {
		return nil, err
	}
	return res, nil
}

// resolve derives keys and identifiers for every involved identity, looks
// their slots up in one batched read, and assigns fresh sequential indexes
// to unknown identities.
func (m *Manager) resolve(b *build, order []string) error {
	ids := make([]confidential.Identifier, 0, len(order))
	kps := make([]*confidential.DHKeyPair, 0, len(order))
	for _, identity := range order {
		kp, err := m.ctx.DeriveKeyPair(identity, m.cfg.DomainTag)
		if err != nil {
			return fmt.Errorf("manager: key derivation for %q: %w", identity, err)
		}
		kps = append(kps, kp)
		ids = append(ids, kp.Identifier())
	}
	indexes, err := m.ledger.UserSlots(ids)
	if err != nil {
		return fmt.Errorf("manager: slot lookup failed: %w", err)
	}
	for i, identity := range order {
		p := &participant{identity: identity, kp: kps[i], index: indexes[i]}
		if p.index == 0 {
			b.assigned++
			p.index = b.assigned
			p.isNew = true
			b.newUsers = append(b.newUsers, ids[i])
		}
		b.participants[identity] = p
		b.byIndex[p.index] = p
	}
	// Load leaf state after all assignments are known, so slot occupancy
	// reflects this batch's registrations.
	for _, identity := range order {
		p := b.participants[identity]
		ls, err := m.loadLeaf(b, p.index.LeafIndex())
		if err != nil {
			return err
		}
		p.leaf = ls
		if ls.failReason != "" {
			p.failReason = ls.failReason
			continue
		}
		// Registration alone must re-encrypt the leaf: the new occupant's
		// slot switches from the vacant filler key to their own.
		if p.isNew {
			ls.dirty = true
		}
	}
	return nil
}

// loadLeaf reads and decrypts one leaf into working state, memoized per
// build. Decryption covers slots occupied before this batch; slots that
// were vacant hold zero by construction. Encryption secrets cover the
// after-state: slots occupied after this batch use the occupant's key,
// the rest use the vacant filler.
func (m *Manager) loadLeaf(b *build, index uint32) (*leafState, error) {
	if ls, ok := b.leaves[index]; ok {
		return ls, nil
	}
	prior, err := m.ledger.LeafAt(index)
	if err != nil {
		return nil, fmt.Errorf("manager: leaf %d read failed: %w", index, err)
	}
	ls := &leafState{prior: prior}
	b.leaves[index] = ls

	priorUsers := confidential.UserIndex(b.status.UserCount)
	for slot := 0; slot < confidential.LeafCapacity; slot++ {
		uidx := confidential.UserIndex(index)*confidential.LeafCapacity + confidential.UserIndex(slot)
		occupiedAfter := uidx >= 1 && uidx <= b.assigned
		occupiedBefore := uidx >= 1 && uidx <= priorUsers

		if !occupiedAfter {
			vacant, err := m.ctx.VacantSecret(index, slot)
			if err != nil {
				return nil, fmt.Errorf("manager: vacant secret for leaf %d slot %d: %w", index, slot, err)
			}
			ls.secrets[slot] = vacant
			continue
		}

		pk, err := m.occupantKey(b, uidx)
		if err != nil {
			ls.failReason = fmt.Sprintf("slot %d occupant unreadable: %v", slot, err)
			continue
		}
		ls.secrets[slot] = m.ctx.SlotSecret(pk)
		if occupiedBefore {
			bal, err := confidential.DecryptSlot(&prior, slot, ls.secrets[slot])
			if err != nil {
				ls.failReason = fmt.Sprintf("slot %d undecryptable: %v", slot, err)
				continue
			}
			ls.balances[slot] = bal
		}
	}
	return ls, nil
}

// occupantKey returns the public key of the user at an index, preferring
// participants assigned in this batch over a ledger identifier read.
func (m *Manager) occupantKey(b *build, index confidential.UserIndex) (*bls12377.G1Affine, error) {
	if p, ok := b.byIndex[index]; ok {
		return p.kp.Pk, nil
	}
	id, ok, err := m.ledger.IdentifierAt(index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("index %d assigned but unregistered", index)
	}
	return id.PublicKey()
}

// applyDeposit credits a deposit, redirecting any overflow beyond the
// 32-bit maximum into a refund payout to the depositor's public address.
// The deposit itself never fails on overflow.
func (m *Manager) applyDeposit(b *build, identity string, amount uint64, from common.Address) {
	p := b.participants[identity]
	if p.failReason != "" {
		b.report.add("deposit", identity, p.failReason)
		return
	}
	headroom := uint64(confidential.MaxBalance) - uint64(p.balance())
	if amount > headroom {
		refund := amount - headroom
		p.setBalance(confidential.MaxBalance)
		b.payouts = append(b.payouts, confidential.Payout{Recipient: from, Amount: refund})
		m.log.Debug().Str("identity", identity).Uint64("refund", refund).Msg("deposit capped, excess refunded")
		return
	}
	p.setBalance(p.balance() + confidential.Balance(amount))
}

// applyRequest applies one validated request. Failures are reported and
// skipped; they never abort the batch.
func (m *Manager) applyRequest(b *build, req *Request) {
	switch req.Kind {
	case KindTransfer:
		sender := b.participants[req.From]
		recipient := b.participants[req.To]
		if sender.failReason != "" {
			b.report.add("transfer", req.From, sender.failReason)
			return
		}
		if recipient.failReason != "" {
			b.report.add("transfer", req.From, recipient.failReason)
			return
		}
		if uint64(sender.balance()) < req.Amount {
			b.report.add("transfer", req.From, "insufficient balance")
			return
		}
		// Cap delivery at the recipient's headroom: the transfer executes
		// partially and the sender keeps the undelivered remainder.
		headroom := uint64(confidential.MaxBalance) - uint64(recipient.balance())
		delivered := req.Amount
		if delivered > headroom {
			delivered = headroom
		}
		if delivered == 0 {
			b.report.add("transfer", req.From, "recipient at maximum balance")
			return
		}
		sender.setBalance(sender.balance() - confidential.Balance(delivered))
		recipient.setBalance(recipient.balance() + confidential.Balance(delivered))
	case KindPayout:
		p := b.participants[req.From]
		if p.failReason != "" {
			b.report.add("payout", req.From, p.failReason)
			return
		}
		if uint64(p.balance()) < req.Amount {
			b.report.add("payout", req.From, "insufficient balance")
			return
		}
		p.setBalance(p.balance() - confidential.Balance(req.Amount))
		b.payouts = append(b.payouts, confidential.Payout{Recipient: req.Address, Amount: req.Amount})
	}
}

// priorLeafCount counts the leaves that exist before this batch: index 0 is
// reserved, so userCount users span indexes 1..userCount.
func priorLeafCount(userCount uint64) uint32 {
	if userCount == 0 {
		return 0
	}
	return uint32(userCount/confidential.LeafCapacity) + 1
}
