// blind.go - Blinded deposit recipient commitments.
//
// A public depositor must not reveal which identity it is funding. The
// depositor generates a fresh ephemeral key pair, runs ECDH against the
// manager's long-term public key, and encrypts the identity under the
// shared point. On the settlement layer the deposit carries only an
// unlinkable {ephemeral public key, ciphertext} pair; the manager recovers
// the identity with its private key.

package confidential

import (
	"fmt"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
)

// DepositCommitment is the blinded deposit target published on-chain.
type DepositCommitment struct {
	// EphemeralKey is the compressed one-time public key g^e.
	EphemeralKey [IdentifierSize]byte `json:"ephemeral_key"`
	// Ciphertext is nonce ‖ AES-GCM(identity) under KDF(managerPk^e).
	Ciphertext []byte `json:"ciphertext"`
}

// Bytes returns the canonical wire encoding used for signing and hashing.
func (c *DepositCommitment) Bytes() []byte {
	out := make([]byte, 0, IdentifierSize+len(c.Ciphertext))
	out = append(out, c.EphemeralKey[:]...)
	out = append(out, c.Ciphertext...)
	return out
}

// CreateCommitment blinds an identity toward the manager's public key.
// It returns the commitment and the ephemeral private scalar; the scalar is
// only needed by callers that want to prove authorship later, and may be
// discarded.
func CreateCommitment(identity string, managerPub *bls12377.G1Affine) (*DepositCommitment, *bls12377_fr.Element, error) {
	if err := ValidateIdentity(identity); err != nil {
		return nil, nil, err
	}
	eph, err := GenerateDHKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("ephemeral key generation failed: %w", err)
	}
	shared := ComputeDHShared(eph.Sk, managerPub)
	key := deriveKey("veilledger/blind/v1", shared)

	// Random GCM nonce: commitments for the same identity must be
	// unlinkable even under an identical ephemeral scalar reuse bug.
	raw, err := randomBytes(12)
	if err != nil {
		return nil, nil, fmt.Errorf("commitment nonce generation failed: %w", err)
	}
	var nonce [12]byte
	copy(nonce[:], raw)
	sealed, err := sealBytes(key, nonce, []byte(identity))
	if err != nil {
		return nil, nil, fmt.Errorf("commitment encryption failed: %w", err)
	}
	return &DepositCommitment{
		EphemeralKey: eph.Pk.Bytes(),
		Ciphertext:   append(nonce[:], sealed...),
	}, eph.Sk, nil
}

// OpenCommitment recovers the identity from a commitment using the
// manager's private key. Malformed points, truncated ciphertext, or failed
// authentication all surface as ErrDecode: the single deposit is dropped
// with a reason, never the whole batch.
func OpenCommitment(c *DepositCommitment, managerSk *bls12377_fr.Element) (string, error) {
	if c == nil || len(c.Ciphertext) <= 12 {
		return "", fmt.Errorf("%w: commitment ciphertext too short", ErrDecode)
	}
	var eph bls12377.G1Affine
	if _, err := eph.SetBytes(c.EphemeralKey[:]); err != nil {
		return "", fmt.Errorf("%w: ephemeral key: %v", ErrDecode, err)
	}
	shared := ComputeDHShared(managerSk, &eph)
	key := deriveKey("veilledger/blind/v1", shared)

	var nonce [12]byte
	copy(nonce[:], c.Ciphertext[:12])
	plaintext, err := openBytes(key, nonce, c.Ciphertext[12:])
	if err != nil {
		return "", fmt.Errorf("%w: commitment does not open", ErrDecode)
	}
	return string(plaintext), nil
}
