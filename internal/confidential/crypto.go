// crypto.go - Cryptographic primitives for the veilledger protocol.
//
// Implements BLS12-377 Diffie-Hellman key exchange, MiMC-based scalar
// derivation, SHA-256 key derivation, and AES-256-GCM authenticated
// encryption. All randomness comes from crypto/rand; everything else is
// deterministic so that batch construction is byte-for-byte replayable.

package confidential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	bls12377_fr "github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bls12-377/fr/mimc"
)

// DHKeyPair represents a BLS12-377 keypair for Diffie-Hellman key exchange.
// Sk: scalar (private), Pk: G1Affine (public)
type DHKeyPair struct {
	Sk *bls12377_fr.Element
	Pk *bls12377.G1Affine
}

// GenerateDHKeyPair generates a random BLS12-377 keypair for DH.
// Used for ephemeral commitment keys; long-term keys are derived, not drawn.
func GenerateDHKeyPair() (*DHKeyPair, error) {
	var sk bls12377_fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, err
	}
	return keyPairFromScalar(&sk), nil
}

// keyPairFromScalar builds the public half g^sk for a given scalar.
func keyPairFromScalar(sk *bls12377_fr.Element) *DHKeyPair {
	var g1Jac, _, _, _ = bls12377.Generators()
	var pk bls12377.G1Affine
	pk.FromJacobian(&g1Jac)
	pk.ScalarMultiplication(&pk, sk.BigInt(new(big.Int)))
	return &DHKeyPair{Sk: sk, Pk: &pk}
}

// ComputeDHShared computes the shared secret (G^ab) given our sk and their pk.
// By the Diffie-Hellman property the manager and the user arrive at the same
// point without it ever being transmitted.
func ComputeDHShared(sk *bls12377_fr.Element, pk *bls12377.G1Affine) *bls12377.G1Affine {
	var shared bls12377.G1Affine
	shared.ScalarMultiplication(pk, sk.BigInt(new(big.Int)))
	return &shared
}

// hashToScalar maps arbitrary bytes into the curve's valid private-key range
// using hash-to-field, then tightens the result through one MiMC round so
// derived scalars share no algebraic structure with their inputs.
func hashToScalar(msg, domain []byte) (*bls12377_fr.Element, error) {
	elems, err := bls12377_fr.Hash(msg, domain, 1)
	if err != nil {
		return nil, err
	}
	h := mimcNative.NewMiMC()
	seed := elems[0].Bytes()
	h.Write(seed[:])
	var sk bls12377_fr.Element
	sk.SetBytes(h.Sum(nil))
	if sk.IsZero() {
		// Zero is not a valid private scalar; unreachable in practice.
		sk.SetOne()
	}
	return &sk, nil
}

// deriveKey derives a 32-byte symmetric key from a shared DH point plus
// caller-supplied context bytes. The label separates unrelated uses of the
// same shared secret (slot encryption vs. commitment opening).
func deriveKey(label string, shared *bls12377.G1Affine, context ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(label))
	x := shared.X.Bytes()
	y := shared.Y.Bytes()
	h.Write(x[:])
	h.Write(y[:])
	for _, c := range context {
		h.Write(c)
	}
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// deriveGCMNonce derives a 12-byte GCM nonce from context bytes. Callers
// must guarantee the (key, context) pair is never reused.
func deriveGCMNonce(label string, context ...[]byte) [12]byte {
	h := sha256.New()
	h.Write([]byte(label))
	for _, c := range context {
		h.Write(c)
	}
	var nonce [12]byte
	copy(nonce[:], h.Sum(nil))
	return nonce
}

// sealBytes encrypts plaintext under key/nonce with AES-256-GCM.
func sealBytes(key [32]byte, nonce [12]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// openBytes decrypts and authenticates ciphertext produced by sealBytes.
func openBytes(key [32]byte, nonce [12]byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce[:], ciphertext, nil)
}

// randomBytes draws n bytes from crypto/rand. A short or failed read is an
// error, never a partially-zeroed buffer.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// be32 and be64 are fixed-width big-endian encodings used everywhere a
// byte-stable serialization is required.
func be32(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
