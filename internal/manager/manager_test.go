package manager

import (
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"veilledger/internal/confidential"
	"veilledger/internal/settlement"
)

const unitSubdivision = settlement.NativeSubUnits / 100

func newTestManager(t *testing.T) (*Manager, *settlement.Sim, *confidential.ManagerContext) {
	t.Helper()
	ctx, err := confidential.NewManagerContext([]byte("manager-test-master-secret"))
	if err != nil {
		t.Fatalf("NewManagerContext: %v", err)
	}
	sim, err := settlement.NewSim("")
	if err != nil {
		t.Fatalf("NewSim: %v", err)
	}
	t.Cleanup(func() { sim.Close() })
	return New(ctx, sim, DefaultConfig(), zerolog.Nop()), sim, ctx
}

// depositUnits submits a blinded deposit of `units` balance units toward an
// identity, the way a depositor would.
func depositUnits(t *testing.T, sim *settlement.Sim, ctx *confidential.ManagerContext, identity string, units uint64, from common.Address) {
	t.Helper()
	c, _, err := confidential.CreateCommitment(identity, ctx.PublicKey())
	if err != nil {
		t.Fatalf("CreateCommitment(%q): %v", identity, err)
	}
	if _, err := sim.DepositTo(c, units*unitSubdivision, from); err != nil {
		t.Fatalf("DepositTo(%q): %v", identity, err)
	}
}

// readBalance decrypts an identity's slot the way the user themselves would:
// derive the key pair, locate the slot, ECDH against the manager key.
func readBalance(t *testing.T, sim *settlement.Sim, ctx *confidential.ManagerContext, identity string) confidential.Balance {
	t.Helper()
	kp, err := ctx.DeriveKeyPair(identity, "")
	if err != nil {
		t.Fatalf("DeriveKeyPair(%q): %v", identity, err)
	}
	index, err := sim.UserSlot(kp.Identifier())
	if err != nil {
		t.Fatalf("UserSlot(%q): %v", identity, err)
	}
	if index == 0 {
		t.Fatalf("identity %q is not registered", identity)
	}
	leaf, err := sim.LeafAt(index.LeafIndex())
	if err != nil {
		t.Fatalf("LeafAt(%d): %v", index.LeafIndex(), err)
	}
	shared := confidential.ComputeDHShared(kp.Sk, ctx.PublicKey())
	bal, err := confidential.DecryptSlot(&leaf, index.Slot(), shared)
	if err != nil {
		t.Fatalf("DecryptSlot(%q): %v", identity, err)
	}
	return bal
}

func TestSyncRegistersAndCredits(t *testing.T) {
	m, sim, ctx := newTestManager(t)

	depositUnits(t, sim, ctx, "alice", 500, common.Address{0xaa})
	res, err := m.Sync(nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.Report.Skips) != 0 {
		t.Fatalf("unexpected skips: %+v", res.Report.Skips)
	}
	if len(res.Batch.NewUsers) != 1 {
		t.Fatalf("NewUsers = %d, want 1", len(res.Batch.NewUsers))
	}

	st, err := sim.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.UserCount != 1 || st.ProcessedOps != 1 {
		t.Fatalf("status = %+v, want 1 user / 1 processed op", st)
	}
	if got := readBalance(t, sim, ctx, "alice"); got != 500 {
		t.Fatalf("balance = %d, want 500", got)
	}
}

func TestSyncResumesFromWatermark(t *testing.T) {
	m, sim, ctx := newTestManager(t)

	depositUnits(t, sim, ctx, "alice", 100, common.Address{0xaa})
	if _, err := m.Sync(nil); err != nil {
		t.Fatalf("first Sync: %v", err)
	}

	// A second cycle over fresh deposits must not double-count the first.
	depositUnits(t, sim, ctx, "alice", 25, common.Address{0xaa})
	if _, err := m.Sync(nil); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if got := readBalance(t, sim, ctx, "alice"); got != 125 {
		t.Fatalf("balance = %d, want 125", got)
	}
	st, _ := sim.Status()
	if st.ProcessedOps != 2 {
		t.Fatalf("ProcessedOps = %d, want 2", st.ProcessedOps)
	}
}

func TestDepositOverflowRefundsExcess(t *testing.T) {
	m, sim, ctx := newTestManager(t)
	depositor := common.Address{0xd1}

	depositUnits(t, sim, ctx, "alice", uint64(confidential.MaxBalance), depositor)
	depositUnits(t, sim, ctx, "alice", 100, depositor)

	res, err := m.Sync(nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := readBalance(t, sim, ctx, "alice"); got != confidential.MaxBalance {
		t.Fatalf("balance = %d, want cap %d", got, confidential.MaxBalance)
	}
	// The overflow never fails the deposit; the excess becomes a payout back
	// to the depositor.
	if len(res.Batch.Payouts) != 1 || res.Batch.Payouts[0].Amount != 100 {
		t.Fatalf("payouts = %+v, want one 100-unit refund", res.Batch.Payouts)
	}
	if got := sim.PaidTo(depositor); got != 100 {
		t.Fatalf("refund paid = %d, want 100", got)
	}
}

func TestTransferMovesBalance(t *testing.T) {
	m, sim, ctx := newTestManager(t)

	depositUnits(t, sim, ctx, "alice", 300, common.Address{0xaa})
	depositUnits(t, sim, ctx, "bob", 10, common.Address{0xbb})
	if _, err := m.Sync(nil); err != nil {
		t.Fatalf("registration Sync: %v", err)
	}

	res, err := m.Sync([]Request{{Kind: KindTransfer, From: "alice", To: "bob", Amount: 120}})
	if err != nil {
		t.Fatalf("transfer Sync: %v", err)
	}
	if len(res.Report.Skips) != 0 {
		t.Fatalf("unexpected skips: %+v", res.Report.Skips)
	}
	if got := readBalance(t, sim, ctx, "alice"); got != 180 {
		t.Fatalf("alice = %d, want 180", got)
	}
	if got := readBalance(t, sim, ctx, "bob"); got != 130 {
		t.Fatalf("bob = %d, want 130", got)
	}
}

func TestTransferPartialDeliveryAtRecipientCap(t *testing.T) {
	m, sim, ctx := newTestManager(t)

	depositUnits(t, sim, ctx, "alice", 200, common.Address{0xaa})
	depositUnits(t, sim, ctx, "bob", uint64(confidential.MaxBalance)-50, common.Address{0xbb})
	if _, err := m.Sync(nil); err != nil {
		t.Fatalf("registration Sync: %v", err)
	}

	// Only 50 units fit; the sender keeps the undelivered remainder.
	res, err := m.Sync([]Request{{Kind: KindTransfer, From: "alice", To: "bob", Amount: 200}})
	if err != nil {
		t.Fatalf("transfer Sync: %v", err)
	}
	if len(res.Report.Skips) != 0 {
		t.Fatalf("unexpected skips: %+v", res.Report.Skips)
	}
	if got := readBalance(t, sim, ctx, "alice"); got != 150 {
		t.Fatalf("alice = %d, want 150", got)
	}
	if got := readBalance(t, sim, ctx, "bob"); got != confidential.MaxBalance {
		t.Fatalf("bob = %d, want cap %d", got, confidential.MaxBalance)
	}
}

func TestInsufficientBalanceSkipsWithoutSideEffects(t *testing.T) {
	m, sim, ctx := newTestManager(t)

	depositUnits(t, sim, ctx, "alice", 10, common.Address{0xaa})
	depositUnits(t, sim, ctx, "bob", 40, common.Address{0xbb})
	if _, err := m.Sync(nil); err != nil {
		t.Fatalf("registration Sync: %v", err)
	}

	res, err := m.Sync([]Request{
		{Kind: KindTransfer, From: "alice", To: "bob", Amount: 1000},
		{Kind: KindTransfer, From: "bob", To: "alice", Amount: 15},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	skips := res.Report.ByKind("transfer")
	if len(skips) != 1 || skips[0].Subject != "alice" || !strings.Contains(skips[0].Reason, "insufficient") {
		t.Fatalf("skips = %+v, want one insufficient-balance skip for alice", res.Report.Skips)
	}
	// The valid transfer in the same batch still applies.
	if got := readBalance(t, sim, ctx, "alice"); got != 25 {
		t.Fatalf("alice = %d, want 25", got)
	}
	if got := readBalance(t, sim, ctx, "bob"); got != 25 {
		t.Fatalf("bob = %d, want 25", got)
	}
}

func TestMalformedRequestsAreReportedByKind(t *testing.T) {
	m, sim, ctx := newTestManager(t)

	depositUnits(t, sim, ctx, "alice", 100, common.Address{0xaa})
	depositUnits(t, sim, ctx, "bob", 100, common.Address{0xbb})
	if _, err := m.Sync(nil); err != nil {
		t.Fatalf("registration Sync: %v", err)
	}

	res, err := m.Sync([]Request{
		{Kind: KindTransfer, From: "_bad", To: "bob", Amount: 5},
		{Kind: Kind("mint"), From: "alice", Amount: 5},
		{Kind: KindTransfer, From: "alice", To: "bob", Amount: 5},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.Report.Skips) != 2 {
		t.Fatalf("skips = %+v, want 2", res.Report.Skips)
	}
	if got := res.Report.ByKind("transfer"); len(got) != 1 || got[0].Subject != "_bad" {
		t.Fatalf("transfer skips = %+v, want the malformed identity", got)
	}
	if got := res.Report.ByKind("mint"); len(got) != 1 {
		t.Fatalf("mint skips = %+v, want the unknown-kind entry", got)
	}
	if got := readBalance(t, sim, ctx, "bob"); got != 105 {
		t.Fatalf("bob = %d, want 105: valid transfer must survive its neighbors", got)
	}
}

func TestPayoutDebitsAndPays(t *testing.T) {
	m, sim, ctx := newTestManager(t)
	recipient := common.Address{0xcc}

	depositUnits(t, sim, ctx, "alice", 80, common.Address{0xaa})
	if _, err := m.Sync(nil); err != nil {
		t.Fatalf("registration Sync: %v", err)
	}

	res, err := m.Sync([]Request{
		{Kind: KindPayout, From: "alice", Address: recipient, Amount: 30},
		{Kind: KindPayout, From: "alice", Address: recipient, Amount: 500},
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if got := readBalance(t, sim, ctx, "alice"); got != 50 {
		t.Fatalf("alice = %d, want 50", got)
	}
	if got := sim.PaidTo(recipient); got != 30 {
		t.Fatalf("paid = %d, want 30", got)
	}
	skips := res.Report.ByKind("payout")
	if len(skips) != 1 || !strings.Contains(skips[0].Reason, "insufficient") {
		t.Fatalf("payout skips = %+v, want one insufficient-balance entry", skips)
	}
}

func TestBuildBatchIsDeterministic(t *testing.T) {
	m, sim, ctx := newTestManager(t)

	depositUnits(t, sim, ctx, "alice", 60, common.Address{0xaa})
	depositUnits(t, sim, ctx, "bob", 70, common.Address{0xbb})
	head, err := sim.HeadBlock()
	if err != nil {
		t.Fatalf("HeadBlock: %v", err)
	}
	deposits, err := sim.DepositsSince(0)
	if err != nil {
		t.Fatalf("DepositsSince: %v", err)
	}
	reqs := []Request{{Kind: KindTransfer, From: "alice", To: "bob", Amount: 5}}

	first, err := m.BuildBatch(deposits, reqs, head)
	if err != nil {
		t.Fatalf("first BuildBatch: %v", err)
	}
	second, err := m.BuildBatch(deposits, reqs, head)
	if err != nil {
		t.Fatalf("second BuildBatch: %v", err)
	}
	if first.Digest != second.Digest {
		t.Fatalf("digests differ across identical rebuilds: %x vs %x", first.Digest, second.Digest)
	}
	if fmt.Sprintf("%+v", first.Batch) != fmt.Sprintf("%+v", second.Batch) {
		t.Fatal("rebuilt batch differs from original")
	}
}

func TestChaffPadsUpdateSet(t *testing.T) {
	m, sim, ctx := newTestManager(t)

	// Fill leaves 0 and 1 with eight users.
	for i := 0; i < 8; i++ {
		depositUnits(t, sim, ctx, fmt.Sprintf("user%d", i), 100, common.Address{byte(i + 1)})
	}
	if _, err := m.Sync(nil); err != nil {
		t.Fatalf("registration Sync: %v", err)
	}

	// One transfer inside leaf 0 touches a single real leaf; with two prior
	// leaves there is exactly one decoy candidate.
	res, err := m.Sync([]Request{{Kind: KindTransfer, From: "user1", To: "user2", Amount: 1}})
	if err != nil {
		t.Fatalf("transfer Sync: %v", err)
	}
	if len(res.Batch.Updates) != 2 {
		t.Fatalf("updates = %d, want touched leaf plus one decoy", len(res.Batch.Updates))
	}
	indices := map[uint32]bool{}
	for _, u := range res.Batch.Updates {
		indices[u.Index] = true
	}
	if !indices[0] || !indices[1] {
		t.Fatalf("update indices = %v, want leaves 0 and 1", indices)
	}
	// The decoy re-encryption must not disturb anyone's balance.
	for i := 0; i < 8; i++ {
		want := confidential.Balance(100)
		switch i {
		case 1:
			want = 99
		case 2:
			want = 101
		}
		if got := readBalance(t, sim, ctx, fmt.Sprintf("user%d", i)); got != want {
			t.Fatalf("user%d = %d, want %d", i, got, want)
		}
	}
}

func TestEmptyCycleSubmitsNothing(t *testing.T) {
	m, sim, _ := newTestManager(t)

	before, _ := sim.Status()
	res, err := m.Sync(nil)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Empty() {
		t.Fatalf("batch = %+v, want empty", res.Batch)
	}
	after, _ := sim.Status()
	if before != after {
		t.Fatalf("status changed on empty cycle: %+v -> %+v", before, after)
	}
}
