// Package lnlstm implements a fused layer-normalized LSTM layer: a forward
// recurrence that produces the full hidden/cell state sequence plus an
// opaque activation cache, and a backward recurrence that consumes the
// cache to compute exact gradients for the inputs, both weight matrices,
// the bias and both normalization parameter pairs.
//
// Two layer-norm streams run per call. Stream 1 normalizes the batched
// input projection x·W over all T·N rows at once; stream 2 normalizes the
// recurrent projection h·R one step at a time inside the sequential loop.
// The alpha/beta parameters are shaped [2, 4H] with index 0 for stream 1
// and index 1 for stream 2.
package lnlstm

import (
	"fmt"

	"github.com/shaun95/haste"
	"github.com/shaun95/haste/internal/arena"
	"github.com/shaun95/haste/internal/layernorm"
)

// The 4H axis of the kernel, recurrent kernel, bias and normalization
// parameters is a fixed concatenation of the four gate blocks in this
// order. The assignment of nonlinearities is equally fixed: sigmoid for
// input/forget/output, tanh for the candidate. Forward and backward both
// derive their offsets from these constants and nothing else.
const (
	gateInput     = 0 // sigmoid
	gateForget    = 1 // sigmoid
	gateCandidate = 2 // tanh
	gateOutput    = 3 // sigmoid

	numGates = 4
)

// Cache region indices, in declaration order of CacheLayout.
const (
	regionWx          = iota // raw input projection x·W, [T,N,4H]
	regionWxNorm             // normalized input projection, [T,N,4H]
	regionWxNormCache        // stream-1 per-row (mean, invStd), [T,N,2]
	regionRh                 // raw recurrent projection h·R, [T,N,4H]
	regionRhNormCache        // stream-2 per-row (mean, invStd), [T,N,2]
)

// CacheLayout returns the activation cache layout for a given problem
// size. It is the single source of truth for both passes: the forward
// pass realizes a fresh buffer with it and the backward pass validates a
// restored cache against it before reading a single element.
func CacheLayout(steps, batch, hidden int) arena.Layout {
	activations := []int{steps, batch, hidden * numGates}
	normCache := []int{steps, batch, layernorm.CacheStride}
	l, err := arena.NewLayout(
		arena.Entry{Name: "act_Wx", Shape: activations},
		arena.Entry{Name: "act_Wx_norm", Shape: activations},
		arena.Entry{Name: "act_Wx_norm_cache", Shape: normCache},
		arena.Entry{Name: "act_Rh", Shape: activations},
		arena.Entry{Name: "act_Rh_norm_cache", Shape: normCache},
	)
	if err != nil {
		// All dimensions are validated positive before layout construction.
		panic(err)
	}
	return l
}

// CacheSize returns the element count of the cache buffer for a given
// problem size.
func CacheSize(steps, batch, hidden int) int {
	return CacheLayout(steps, batch, hidden).NumElements()
}

// Cache is the opaque activation buffer a forward call produces. It is
// owned by that call until handed to the paired backward call, which reads
// it without mutating. The raw buffer is accessible for persistence across
// the forward/backward boundary; reconstruct with RestoreCache.
type Cache[T haste.Float] struct {
	steps, batch, hidden int
	layout               arena.Layout
	buf                  []T
}

// Data exposes the flat buffer for persistence. Callers must treat the
// contents as opaque and must not mutate them.
func (c *Cache[T]) Data() []T { return c.buf }

// RestoreCache rebuilds a Cache from a persisted buffer. The buffer length
// must match the layout implied by (steps, batch, hidden).
func RestoreCache[T haste.Float](steps, batch, hidden int, buf []T) (*Cache[T], error) {
	if steps <= 0 || batch <= 0 || hidden <= 0 {
		return nil, fmt.Errorf("%w: non-positive cache dimensions [%d,%d,%d]", ErrShape, steps, batch, hidden)
	}
	layout := CacheLayout(steps, batch, hidden)
	if len(buf) != layout.NumElements() {
		return nil, fmt.Errorf("%w: cache for [T=%d,N=%d,H=%d] needs %d elements, buffer has %d",
			ErrCacheLayout, steps, batch, hidden, layout.NumElements(), len(buf))
	}
	return &Cache[T]{steps: steps, batch: batch, hidden: hidden, layout: layout, buf: buf}, nil
}
