// main.go - End-to-end confidential ledger scenario: 8 users and 1 manager.
//
// This demonstrates the complete protocol round:
//   - 8 users blind their identities and receive public deposits
//   - the manager settles one batch: slots assigned, leaves encrypted
//   - users transfer balances off the public record
//   - one user withdraws to a public address
//   - every user reads back their balance from public ciphertext alone
//
// Usage:
//   go run main.go
//
// Architecture:
//   - Settlement state lives in an in-memory store for the demo; the daemon
//     (cmd/veild) runs the same code against an on-disk store
//   - The only secret in the system is the manager's master secret; user key
//     pairs are derived from it on demand

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"veilledger/internal/client"
	"veilledger/internal/confidential"
	"veilledger/internal/manager"
	"veilledger/internal/settlement"
)

const N = 8

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).
		Level(zerolog.InfoLevel).
		With().Timestamp().Logger()

	log.Info().Msg("=== Confidential Balance Ledger: N=8 Scenario ===")

	// 1. Setup: manager context and settlement store
	mctx, err := confidential.NewManagerContext([]byte("demo-master-secret-do-not-reuse"))
	if err != nil {
		log.Fatal().Err(err).Msg("manager context")
	}
	sim, err := settlement.NewSim("")
	if err != nil {
		log.Fatal().Err(err).Msg("settlement store")
	}
	defer sim.Close()
	mgr := manager.New(mctx, sim, manager.DefaultConfig(), log)

	// 2. Create 8 user clients; each receives its derived key pair out of band
	users := make([]*client.Client, N)
	for i := 0; i < N; i++ {
		identity := fmt.Sprintf("user%d", i+1)
		kp, err := mctx.DeriveKeyPair(identity, "")
		if err != nil {
			log.Fatal().Err(err).Str("identity", identity).Msg("key derivation")
		}
		users[i], err = client.New(identity, kp, mctx.PublicKey(), sim, log)
		if err != nil {
			log.Fatal().Err(err).Str("identity", identity).Msg("client")
		}
	}

	// 3. Each user blinds their identity and a depositor pays on chain
	for i, u := range users {
		commitment, err := u.NewDepositCommitment()
		if err != nil {
			log.Fatal().Err(err).Msg("commitment")
		}
		units := uint64(100 + 10*i)
		native := units * (settlement.NativeSubUnits / 100)
		if _, err := sim.DepositTo(commitment, native, common.Address{byte(i + 1)}); err != nil {
			log.Fatal().Err(err).Msg("deposit")
		}
		log.Info().Str("identity", u.Identity()).Uint64("units", units).Msg("deposit submitted")
	}

	// 4. First batch: registrations and credits settle together
	res, err := mgr.Sync(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("registration batch")
	}
	log.Info().
		Int("updates", len(res.Batch.Updates)).
		Int("new_users", len(res.Batch.NewUsers)).
		Msg("registration batch settled")

	// 5. Off-ledger activity: transfers and one public withdrawal
	res, err = mgr.Sync([]manager.Request{
		{Kind: manager.KindTransfer, From: "user1", To: "user8", Amount: 30},
		{Kind: manager.KindTransfer, From: "user3", To: "user2", Amount: 75},
		{Kind: manager.KindPayout, From: "user5", Address: common.Address{0xfe}, Amount: 40},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("activity batch")
	}
	log.Info().
		Int("updates", len(res.Batch.Updates)).
		Int("payouts", len(res.Batch.Payouts)).
		Int("skips", len(res.Report.Skips)).
		Msg("activity batch settled")
	for _, skip := range res.Report.Skips {
		log.Warn().Str("kind", skip.Kind).Str("subject", skip.Subject).Str("reason", skip.Reason).Msg("skipped")
	}

	// 6. Every user reads their balance back from public ciphertext
	fmt.Printf("\n=== Final Balances ===\n")
	for _, u := range users {
		st, err := u.Balance()
		if err != nil {
			log.Fatal().Err(err).Str("identity", u.Identity()).Msg("balance read")
		}
		fmt.Printf("%-8s %6d units (leaf version %d)\n", u.Identity(), st.Balance, st.Nonce)
	}

	status, err := sim.Status()
	if err != nil {
		log.Fatal().Err(err).Msg("status")
	}
	fmt.Printf("\nledger: %d users, %d ops processed, %d sub-units dust\n",
		status.UserCount, status.ProcessedOps, status.Dust)
	fmt.Printf("paid to 0xfe..: %d units\n", sim.PaidTo(common.Address{0xfe}))
}
