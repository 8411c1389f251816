// chaff.go - Deterministic decoy leaf selection.
//
// An observer who watches which leaf indices change could otherwise tell
// real updates from background noise. Each batch therefore re-encrypts
// additional leaves whose balances did not change. Selection is seeded
// solely by (opStart, opCount) so that rebuilding a batch over identical
// inputs selects the identical decoys; this is cover traffic, not a
// provable-privacy guarantee.

package manager

import (
	"crypto/sha256"
	"encoding/binary"
)

// selectChaff picks up to multiplier x len(touched) decoy leaf indices out
// of [0, totalLeaves), excluding the really-touched ones. The result is in
// selection order; callers sort the final update list themselves.
func selectChaff(opStart, opCount uint64, touched map[uint32]bool, totalLeaves uint32, multiplier int) []uint32 {
	if multiplier <= 0 || len(touched) == 0 {
		return nil
	}
	candidates := make([]uint32, 0, totalLeaves)
	for i := uint32(0); i < totalLeaves; i++ {
		if !touched[i] {
			candidates = append(candidates, i)
		}
	}
	want := multiplier * len(touched)
	if want > len(candidates) {
		want = len(candidates)
	}
	if want == 0 {
		return nil
	}

	seed := sha256.New()
	seed.Write([]byte("veilledger/chaff/v1"))
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[:8], opStart)
	binary.BigEndian.PutUint64(hdr[8:], opCount)
	seed.Write(hdr[:])
	base := seed.Sum(nil)

	picked := make([]uint32, 0, want)
	for counter := uint64(0); len(picked) < want; counter++ {
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], counter)
		draw := sha256.Sum256(append(base, ctr[:]...))
		pos := int(binary.BigEndian.Uint64(draw[:8]) % uint64(len(candidates)))
		picked = append(picked, candidates[pos])
		// Remove the drawn candidate; order of the remainder stays
		// deterministic.
		candidates = append(candidates[:pos], candidates[pos+1:]...)
	}
	return picked
}
