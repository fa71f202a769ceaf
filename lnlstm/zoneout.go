package lnlstm

import (
	"math/rand/v2"

	"github.com/shaun95/haste"
)

// BernoulliMask samples a [T, N, H] zoneout mask. Each element is 0 with
// probability prob (the unit retains its previous state for that step) and
// 1 otherwise (the unit updates). The same seed always yields the same
// mask, so a training step can regenerate the mask it used in forward for
// the paired backward call instead of persisting it.
func BernoulliMask[T haste.Float](steps, batch, hidden int, prob float64, seed uint64) []T {
	rng := rand.New(rand.NewPCG(seed, seed))
	mask := make([]T, steps*batch*hidden)
	for i := range mask {
		if rng.Float64() >= prob {
			mask[i] = 1
		}
	}
	return mask
}
