// Package client is the user-side view of the confidential ledger. A client
// holds one identity's key pair, blinds deposits toward the manager, reads
// back its own balance from public leaf ciphertext, and watches for balance
// changes. It learns nothing about any other slot, including the other five
// occupants of its own leaf.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"veilledger/internal/confidential"
	"veilledger/internal/settlement"
)

var (
	// ErrUnregistered is returned for an identity no batch has assigned a
	// slot to yet.
	ErrUnregistered = errors.New("client: identity not registered")

	// ErrWatchDone is returned by Next once a watch has delivered its
	// configured number of events or its stream has ended.
	ErrWatchDone = errors.New("client: watch complete")
)

// Client is one identity's handle on the ledger.
type Client struct {
	identity  string
	kp        *confidential.DHKeyPair
	managerPk *bls12377.G1Affine
	shared    *bls12377.G1Affine
	ledger    settlement.Ledger
	log       zerolog.Logger

	mu    sync.Mutex
	index confidential.UserIndex // 0 until resolved
}

// New builds a client for an identity. The key pair is the one the manager
// derived for this identity and handed over out of band; the slot shared
// secret is fixed from it immediately.
func New(identity string, kp *confidential.DHKeyPair, managerPk *bls12377.G1Affine, ledger settlement.Ledger, log zerolog.Logger) (*Client, error) {
	if err := confidential.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if kp == nil || kp.Sk == nil {
		return nil, &confidential.ValidationError{Field: "keyPair", Reason: "missing private scalar"}
	}
	if managerPk == nil {
		return nil, &confidential.ValidationError{Field: "managerPk", Reason: "required"}
	}
	return &Client{
		identity:  identity,
		kp:        kp,
		managerPk: managerPk,
		shared:    confidential.ComputeDHShared(kp.Sk, managerPk),
		ledger:    ledger,
		log:       log,
	}, nil
}

// Identity returns the client's identity string.
func (c *Client) Identity() string { return c.identity }

// NewDepositCommitment blinds the client's identity for a public deposit.
// Every call produces an unlinkable fresh commitment.
func (c *Client) NewDepositCommitment() (*confidential.DepositCommitment, error) {
	commitment, _, err := confidential.CreateCommitment(c.identity, c.managerPk)
	return commitment, err
}

// Index resolves and caches the client's user index. Slot assignments are
// permanent, so a successful resolution never needs repeating.
func (c *Client) Index() (confidential.UserIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index != 0 {
		return c.index, nil
	}
	index, err := c.ledger.UserSlot(c.kp.Identifier())
	if err != nil {
		return 0, fmt.Errorf("client: slot lookup: %w", err)
	}
	if index == 0 {
		return 0, ErrUnregistered
	}
	c.index = index
	return index, nil
}

// Statement is one decrypted reading of the client's slot.
type Statement struct {
	Balance confidential.Balance `json:"balance"`
	// Nonce is the leaf version the reading came from.
	Nonce uint64 `json:"nonce"`
}

// Balance reads and decrypts the client's current balance.
func (c *Client) Balance() (Statement, error) {
	index, err := c.Index()
	if err != nil {
		return Statement{}, err
	}
	leaf, err := c.ledger.LeafAt(index.LeafIndex())
	if err != nil {
		return Statement{}, fmt.Errorf("client: leaf read: %w", err)
	}
	balance, err := confidential.DecryptSlot(&leaf, index.Slot(), c.shared)
	if err != nil {
		return Statement{}, err
	}
	return Statement{Balance: balance, Nonce: leaf.Nonce}, nil
}

// WatchOptions tunes a balance watch.
type WatchOptions struct {
	// KeepaliveInterval emits a heartbeat update when no real event arrives
	// within the interval. Zero disables heartbeats.
	KeepaliveInterval time.Duration
	// MaxEvents ends the watch after that many real (non-heartbeat) events.
	// Zero means unbounded.
	MaxEvents int
}

// BalanceUpdate is one event from a balance watch.
type BalanceUpdate struct {
	Balance confidential.Balance `json:"balance"`
	Nonce   uint64               `json:"nonce"`
	Block   uint64               `json:"block"`
	TxHash  common.Hash          `json:"tx_hash"`
	// Heartbeat marks a keepalive tick carrying no state change.
	Heartbeat bool `json:"heartbeat,omitempty"`
}

// Watcher is a handle on a balance-update stream. Close is idempotent and
// must be called on every exit path; Next calls it itself on terminal
// errors.
type Watcher struct {
	client    *Client
	slot      int
	sub       settlement.Subscription
	keepalive time.Duration
	remaining int // -1 when unbounded
	lastNonce uint64
	decrypted bool // a version has decrypted; auth failures are now terminal
	closeOnce sync.Once
}

// WatchBalanceUpdates opens a stream of the client's balance changes,
// replaying history from fromBlock before going live. Leaf versions written
// before the identity registered are skipped silently, so any fromBlock is
// valid. Every later re-encryption surfaces, so a stretch of identical
// balances is normal cover traffic, not a bug.
func (c *Client) WatchBalanceUpdates(fromBlock uint64, opts WatchOptions) (*Watcher, error) {
	index, err := c.Index()
	if err != nil {
		return nil, err
	}
	sub, err := c.ledger.SubscribeLeafUpdates(index.LeafIndex(), fromBlock)
	if err != nil {
		return nil, fmt.Errorf("client: subscribe: %w", err)
	}
	remaining := opts.MaxEvents
	if remaining == 0 {
		remaining = -1
	}
	c.log.Debug().
		Str("identity", c.identity).
		Uint32("leaf", index.LeafIndex()).
		Uint64("from_block", fromBlock).
		Msg("balance watch opened")
	return &Watcher{
		client:    c,
		slot:      index.Slot(),
		sub:       sub,
		keepalive: opts.KeepaliveInterval,
		remaining: remaining,
	}, nil
}

// Next blocks for the next update, heartbeat, context cancellation, or end
// of stream. After a non-heartbeat error the watcher is closed and every
// further call returns ErrWatchDone.
func (w *Watcher) Next(ctx context.Context) (BalanceUpdate, error) {
	if w.remaining == 0 {
		w.Close()
		return BalanceUpdate{}, ErrWatchDone
	}

	var heartbeat <-chan time.Time
	if w.keepalive > 0 {
		timer := time.NewTimer(w.keepalive)
		defer timer.Stop()
		heartbeat = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			w.Close()
			return BalanceUpdate{}, ctx.Err()
		case <-heartbeat:
			return BalanceUpdate{Heartbeat: true}, nil
		case update, ok := <-w.sub.Updates():
			if !ok {
				w.Close()
				return BalanceUpdate{}, ErrWatchDone
			}
			if update.Leaf.Nonce <= w.lastNonce {
				w.Close()
				return BalanceUpdate{}, fmt.Errorf("%w: leaf version %d after %d",
					confidential.ErrNonceRegression, update.Leaf.Nonce, w.lastNonce)
			}
			balance, err := confidential.DecryptSlot(&update.Leaf, w.slot, w.client.shared)
			if err != nil {
				// A replay from before this identity was registered crosses
				// leaf versions whose slot is still under the vacant filler
				// key. Those fail authentication until the first version
				// written after registration; skip them rather than ending
				// the watch. Once one version has decrypted, a failure is
				// real corruption and terminal.
				if !w.decrypted && errors.Is(err, confidential.ErrAuthentication) {
					continue
				}
				w.Close()
				return BalanceUpdate{}, err
			}
			w.decrypted = true
			w.lastNonce = update.Leaf.Nonce
			if w.remaining > 0 {
				w.remaining--
			}
			return BalanceUpdate{
				Balance: balance,
				Nonce:   update.Leaf.Nonce,
				Block:   update.Block,
				TxHash:  update.TxHash,
			}, nil
		}
	}
}

// Close tears the subscription down. Safe to call any number of times, from
// any goroutine.
func (w *Watcher) Close() {
	w.closeOnce.Do(w.sub.Unsubscribe)
}
