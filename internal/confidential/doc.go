// Package confidential implements the cryptographic core of the veilledger
// protocol: a confidential balance ledger maintained by a single trusted
// manager that periodically commits encrypted state transitions to a public
// settlement layer.
//
// Overview:
//   - Identity blinding: depositors publish an unlinkable commitment to the
//     recipient identity; only the manager's private key can open it
//   - Key derivation: per-identity key pairs are derived deterministically
//     from a manager-held master secret, so no per-user key storage exists
//   - Leaves: fixed-capacity records holding six users' balances, each slot
//     encrypted to a different user's derived key; all slots are re-encrypted
//     together on every change so ciphertext patterns leak nothing
//   - Transcripts: a canonical digest over a proposed batch, recomputed by
//     the settlement layer as a tamper-evidence seal
//
// Security Model:
//   - BLS12-377 Diffie-Hellman key agreement (gnark-crypto) for all shared
//     secrets; MiMC for deterministic scalar derivation
//   - AES-256-GCM for slot and commitment encryption
//   - Confidentiality rests on encryption plus a trusted manager. This is
//     not a zero-knowledge proof system: the transcript detects tampering
//     in transit, it does not prove honest computation.
//
// All derivation functions take an explicitly constructed ManagerContext;
// there is no package-level secret state.
package confidential
