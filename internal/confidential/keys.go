// keys.go - Deterministic per-identity key derivation.
//
// The manager holds a single master secret; every per-user key pair is a
// pure function of (master secret, domain tag, identity). The same identity
// always yields the same key pair, so the manager needs no per-user key
// storage and restart-after-crash loses nothing.

package confidential

import (
	"fmt"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
)

// DefaultDomainTag separates user-key derivation from every other use of
// the master secret. Callers running several namespaces (e.g., separate
// messaging platforms) supply their own tag.
const DefaultDomainTag = "veilledger/user/v1"

// IdentifierSize is the byte length of an on-chain identifier: a compressed
// BLS12-377 G1 point.
const IdentifierSize = bls12377.SizeOfG1AffineCompressed

// Identifier is the pseudonymous on-chain name of an identity: the
// compressed derived public key. Only the manager can map a human-readable
// identity to its Identifier, because the mapping runs through the master
// secret.
type Identifier [IdentifierSize]byte

// Identifier returns the on-chain identifier for this key pair.
func (kp *DHKeyPair) Identifier() Identifier {
	return Identifier(kp.Pk.Bytes())
}

// PublicKey decodes an Identifier back into the curve point it names.
// Fails with ErrDecode for bytes that are not a valid compressed G1 point.
func (id Identifier) PublicKey() (*bls12377.G1Affine, error) {
	var pk bls12377.G1Affine
	if _, err := pk.SetBytes(id[:]); err != nil {
		return nil, fmt.Errorf("%w: identifier: %v", ErrDecode, err)
	}
	return &pk, nil
}

// ManagerContext holds the manager's master secret and its long-term DH key
// pair. It is constructed explicitly and passed by reference; derivation
// functions never reach for global state.
type ManagerContext struct {
	master []byte
	key    *DHKeyPair
}

// NewManagerContext builds a manager context from a master secret. The
// manager key pair itself is derived from the secret, so two managers
// sharing a secret are interchangeable.
func NewManagerContext(masterSecret []byte) (*ManagerContext, error) {
	if len(masterSecret) < 16 {
		return nil, &ValidationError{Field: "masterSecret", Reason: "must be at least 16 bytes"}
	}
	master := make([]byte, len(masterSecret))
	copy(master, masterSecret)
	sk, err := hashToScalar(master, []byte("veilledger/manager-key/v1"))
	if err != nil {
		return nil, fmt.Errorf("manager key derivation failed: %w", err)
	}
	return &ManagerContext{master: master, key: keyPairFromScalar(sk)}, nil
}

// KeyPair returns the manager's long-term DH key pair.
func (m *ManagerContext) KeyPair() *DHKeyPair { return m.key }

// PublicKey returns the manager's long-term public key. Users need it to
// compute their slot shared secret and to blind deposit commitments.
func (m *ManagerContext) PublicKey() *bls12377.G1Affine { return m.key.Pk }

// DeriveKeyPair deterministically derives the key pair for an identity.
// An empty domainTag selects DefaultDomainTag. Repeated calls with
// identical inputs are byte-identical.
func (m *ManagerContext) DeriveKeyPair(identity, domainTag string) (*DHKeyPair, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if domainTag == "" {
		domainTag = DefaultDomainTag
	}
	// masterSecret ‖ 0x00 ‖ domainTag ‖ 0x00 ‖ identity; the separators keep
	// (tag, identity) pairs from colliding across boundaries.
	msg := make([]byte, 0, len(m.master)+len(domainTag)+len(identity)+2)
	msg = append(msg, m.master...)
	msg = append(msg, 0)
	msg = append(msg, domainTag...)
	msg = append(msg, 0)
	msg = append(msg, identity...)
	sk, err := hashToScalar(msg, []byte("veilledger/user-key/v1"))
	if err != nil {
		return nil, fmt.Errorf("key derivation failed for %q: %w", identity, err)
	}
	return keyPairFromScalar(sk), nil
}

// DerivePublicKey is DeriveKeyPair restricted to the public half, for
// contexts that must not hold the private scalar.
func (m *ManagerContext) DerivePublicKey(identity, domainTag string) (*bls12377.G1Affine, error) {
	kp, err := m.DeriveKeyPair(identity, domainTag)
	if err != nil {
		return nil, err
	}
	kp.Sk = nil
	return kp.Pk, nil
}

// IdentifierFor returns the on-chain identifier of an identity.
func (m *ManagerContext) IdentifierFor(identity, domainTag string) (Identifier, error) {
	kp, err := m.DeriveKeyPair(identity, domainTag)
	if err != nil {
		return Identifier{}, err
	}
	return kp.Identifier(), nil
}

// VacantSecret derives the filler shared secret for an unoccupied slot.
// Vacant slots are still re-encrypted alongside occupied ones so an
// observer cannot tell which slots of a leaf are in use; the filler key is
// a manager-only function of (master secret, leaf index, slot).
func (m *ManagerContext) VacantSecret(leafIndex uint32, slot int) (*bls12377.G1Affine, error) {
	msg := make([]byte, 0, len(m.master)+5)
	msg = append(msg, m.master...)
	msg = append(msg, be32(leafIndex)...)
	msg = append(msg, byte(slot))
	sk, err := hashToScalar(msg, []byte("veilledger/vacant-slot/v1"))
	if err != nil {
		return nil, fmt.Errorf("vacant slot derivation failed: %w", err)
	}
	return keyPairFromScalar(sk).Pk, nil
}

// SlotSecret computes the manager-side shared secret for a user public key:
// ECDH(managerSk, userPk). The user computes the identical point as
// ECDH(userSk, managerPk).
func (m *ManagerContext) SlotSecret(userPk *bls12377.G1Affine) *bls12377.G1Affine {
	return ComputeDHShared(m.key.Sk, userPk)
}
