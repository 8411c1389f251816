// errors.go - Error taxonomy for the veilledger protocol.
//
// Per-operation failures (bad identity, unreadable ciphertext) are
// recoverable and surface in skip reports; only transcript disagreement is
// fatal to a batch submission.

package confidential

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode is returned when a ciphertext or encoded value fails to
	// parse or decrypt. Recoverable at the single-operation level.
	ErrDecode = errors.New("veilledger: malformed ciphertext")

	// ErrAuthentication is returned when a slot ciphertext fails AEAD
	// verification. Recoverable at the single-slot level.
	ErrAuthentication = errors.New("veilledger: ciphertext authentication failed")

	// ErrIntegrityMismatch is returned when a transcript digest disagrees
	// with the one recomputed by the settlement layer. Fatal to the batch:
	// it must be discarded and rebuilt, never partially applied.
	ErrIntegrityMismatch = errors.New("veilledger: transcript digest mismatch")

	// ErrNonceRegression is returned when a leaf update does not strictly
	// increase the leaf's nonce.
	ErrNonceRegression = errors.New("veilledger: leaf nonce did not increase")

	// ErrUnknownRequestKind is returned for request payloads whose tag is
	// not part of the closed union of request kinds.
	ErrUnknownRequestKind = errors.New("veilledger: unknown request kind")
)

// ValidationError reports a malformed identity or request shape. It is
// always recoverable: the offending operation is skipped and reported.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("veilledger: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
