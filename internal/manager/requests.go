// requests.go - The closed union of off-ledger request kinds.
//
// Requests arrive at the protocol boundary as loosely shaped payloads; they
// are narrowed into this tagged union and validated per kind before any of
// them touches ledger state. Unknown tags are a reported error kind, never
// a crash.

package manager

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"veilledger/internal/confidential"
)

// Kind tags a request variant.
type Kind string

const (
	// KindTransfer moves balance between two identities off the public
	// record.
	KindTransfer Kind = "transfer"
	// KindPayout withdraws balance to a public address.
	KindPayout Kind = "payout"
)

// Request is one off-ledger operation submitted to the manager.
type Request struct {
	Kind Kind `json:"kind"`
	// From is the acting identity, required for every kind.
	From string `json:"from"`
	// To is the recipient identity; transfer only.
	To string `json:"to,omitempty"`
	// Address is the payout recipient; payout only.
	Address common.Address `json:"address,omitempty"`
	// Amount is in balance units (two implied decimals); must be positive.
	Amount uint64 `json:"amount"`
}

// Validate checks the per-kind required fields. The returned error is what
// lands in the skip report.
func (r *Request) Validate() error {
	switch r.Kind {
	case KindTransfer:
		if err := confidential.ValidateIdentity(r.From); err != nil {
			return err
		}
		if err := confidential.ValidateIdentity(r.To); err != nil {
			return err
		}
		if r.From == r.To {
			return &confidential.ValidationError{Field: "to", Reason: "self-transfer"}
		}
		if r.Amount == 0 {
			return &confidential.ValidationError{Field: "amount", Reason: "must be positive"}
		}
		return nil
	case KindPayout:
		if err := confidential.ValidateIdentity(r.From); err != nil {
			return err
		}
		if r.Address == (common.Address{}) {
			return &confidential.ValidationError{Field: "address", Reason: "zero address"}
		}
		if r.Amount == 0 {
			return &confidential.ValidationError{Field: "amount", Reason: "must be positive"}
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", confidential.ErrUnknownRequestKind, r.Kind)
	}
}

// subject is the identity (or kind tag) a skip entry is attributed to.
func (r *Request) subject() string {
	if r.From != "" {
		return r.From
	}
	return string(r.Kind)
}

// Skip is one entry of the skip report: an operation excluded from the
// batch, with the reason it was excluded. No operation is ever dropped
// silently.
type Skip struct {
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
	Reason  string `json:"reason"`
}

// Report collects skips during batch construction.
type Report struct {
	Skips []Skip `json:"skips"`
}

func (r *Report) add(kind, subject, reason string) {
	r.Skips = append(r.Skips, Skip{Kind: kind, Subject: subject, Reason: reason})
}

// ByKind returns the skips recorded for one kind.
func (r *Report) ByKind(kind string) []Skip {
	var out []Skip
	for _, s := range r.Skips {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}
