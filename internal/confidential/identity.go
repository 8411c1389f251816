// identity.go - Syntax rules for human-readable identities.

package confidential

import "regexp"

// MaxIdentityLength bounds identity strings so commitments stay small.
const MaxIdentityLength = 64

// identityPattern accepts messaging-platform style usernames: they start
// with a letter, contain only alphanumerics, and may use '.' or '_' as
// single internal separators. Leading, trailing, or doubled separators are
// rejected, as are leading digits.
var identityPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*([._][A-Za-z0-9]+)*$`)

// ValidateIdentity checks an identity string against the syntax rules.
// Invalid identities are never fatal to a batch; callers record them in the
// skip report and move on.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return &ValidationError{Field: "identity", Reason: "empty"}
	}
	if len(identity) > MaxIdentityLength {
		return &ValidationError{Field: "identity", Reason: "too long"}
	}
	if !identityPattern.MatchString(identity) {
		return &ValidationError{Field: "identity", Reason: "malformed: " + identity}
	}
	return nil
}
