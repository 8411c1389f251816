// leaf.go - Encrypted balance records.
//
// A leaf holds six users' balances, each slot independently encrypted to a
// different user's derived key. Every re-encryption of a leaf covers all
// six slots under a strictly increased nonce, so ciphertext equality never
// reveals "this slot didn't change".

package confidential

import (
	"encoding/binary"
	"fmt"
	"math"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
)

// LeafCapacity is the fixed number of balance slots per leaf.
const LeafCapacity = 6

// Balance is a non-negative fixed-point quantity with two implied decimals.
// It never wraps: overflow is redirected, not truncated.
type Balance uint32

// MaxBalance is the largest storable balance.
const MaxBalance = Balance(math.MaxUint32)

// UserIndex is a stable slot assignment for an identity. Index 0 is the
// "unregistered" sentinel and is never assigned.
type UserIndex uint64

// LeafIndex returns the leaf this user's slot lives in.
func (u UserIndex) LeafIndex() uint32 { return uint32(u / LeafCapacity) }

// Slot returns the user's position within its leaf.
func (u UserIndex) Slot() int { return int(u % LeafCapacity) }

// Leaf is one version of an encrypted balance record. A virgin leaf (nonce
// 0, nil slots) is the implicit default state of every index; its slots
// decode to zero balances.
type Leaf struct {
	Index uint32               `json:"index"`
	Nonce uint64               `json:"nonce"`
	Slots [LeafCapacity][]byte `json:"slots"`
}

// Clone returns a deep copy of the leaf.
func (l *Leaf) Clone() Leaf {
	out := Leaf{Index: l.Index, Nonce: l.Nonce}
	for i, s := range l.Slots {
		if s != nil {
			out.Slots[i] = append([]byte(nil), s...)
		}
	}
	return out
}

// slotKey derives the AES key for one slot of one leaf version. The nonce
// and coordinates are baked into the key, so a (user, version) pair never
// reuses a keystream.
func slotKey(shared *bls12377.G1Affine, index uint32, slot int, nonce uint64) [32]byte {
	return deriveKey("veilledger/slot/v1", shared, be32(index), []byte{byte(slot)}, be64(nonce))
}

// EncryptLeaf re-encrypts a whole leaf: all LeafCapacity slots together,
// even when only one balance changed. secrets[i] is the DH shared point for
// slot i; for vacant slots callers pass ManagerContext.VacantSecret so
// occupied and vacant slots are indistinguishable on the wire.
func EncryptLeaf(balances [LeafCapacity]Balance, secrets [LeafCapacity]*bls12377.G1Affine, index uint32, nonce uint64) (Leaf, error) {
	if nonce == 0 {
		return Leaf{}, fmt.Errorf("%w: leaf %d: nonce 0 is reserved for the virgin state", ErrNonceRegression, index)
	}
	leaf := Leaf{Index: index, Nonce: nonce}
	for slot := 0; slot < LeafCapacity; slot++ {
		if secrets[slot] == nil {
			return Leaf{}, fmt.Errorf("leaf %d slot %d: missing shared secret", index, slot)
		}
		key := slotKey(secrets[slot], index, slot, nonce)
		gcmNonce := deriveGCMNonce("veilledger/slot-nonce/v1", be32(index), []byte{byte(slot)}, be64(nonce))
		var plaintext [4]byte
		binary.BigEndian.PutUint32(plaintext[:], uint32(balances[slot]))
		sealed, err := sealBytes(key, gcmNonce, plaintext[:])
		if err != nil {
			return Leaf{}, fmt.Errorf("leaf %d slot %d: %w", index, slot, err)
		}
		leaf.Slots[slot] = sealed
	}
	return leaf, nil
}

// DecryptSlot decrypts exactly one slot of a leaf with the given shared
// secret. A virgin slot decodes to zero. Authentication failure yields
// ErrAuthentication; a well-authenticated but mis-sized plaintext yields
// ErrDecode.
func DecryptSlot(leaf *Leaf, slot int, shared *bls12377.G1Affine) (Balance, error) {
	if slot < 0 || slot >= LeafCapacity {
		return 0, &ValidationError{Field: "slot", Reason: fmt.Sprintf("out of range: %d", slot)}
	}
	if len(leaf.Slots[slot]) == 0 {
		if leaf.Nonce == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: leaf %d slot %d: empty ciphertext at nonce %d", ErrDecode, leaf.Index, slot, leaf.Nonce)
	}
	key := slotKey(shared, leaf.Index, slot, leaf.Nonce)
	gcmNonce := deriveGCMNonce("veilledger/slot-nonce/v1", be32(leaf.Index), []byte{byte(slot)}, be64(leaf.Nonce))
	plaintext, err := openBytes(key, gcmNonce, leaf.Slots[slot])
	if err != nil {
		return 0, fmt.Errorf("%w: leaf %d slot %d", ErrAuthentication, leaf.Index, slot)
	}
	if len(plaintext) != 4 {
		return 0, fmt.Errorf("%w: leaf %d slot %d: bad plaintext length %d", ErrDecode, leaf.Index, slot, len(plaintext))
	}
	return Balance(binary.BigEndian.Uint32(plaintext)), nil
}
