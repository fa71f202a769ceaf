package lnlstm

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas"

	"github.com/shaun95/haste"
	"github.com/shaun95/haste/internal/arena"
	"github.com/shaun95/haste/internal/kernels"
	"github.com/shaun95/haste/internal/layernorm"
	"github.com/shaun95/haste/internal/linalg"
)

// Gradients collects the caller-allocated output buffers of a backward
// run. Every slice is zeroed by Run before accumulation.
type Gradients[T haste.Float] struct {
	DX     []T // [T, N, C]
	DW     []T // [C, 4H]
	DR     []T // [H, 4H]
	DB     []T // [4H]
	DAlpha []T // [2, 4H]
	DBeta  []T // [2, 4H]
}

// BackwardPass replays the forward layout in reverse, t = T-1 down to 0,
// accumulating the shared-weight gradients across steps. Like ForwardPass
// it reuses its per-step scratch buffers and is not safe for concurrent
// Run calls.
type BackwardPass[T haste.Float] struct {
	batch  int
	input  int
	hidden int
	blas   *linalg.Handle

	// Per-step scratch, reused across loop iterations.
	dh     []T // carried hidden-state gradient, [N,H]
	dc     []T // carried cell-state gradient, [N,H]
	dv     []T // gate pre-activation gradient, [N,4H]
	dRhRaw []T // gradient w.r.t. the raw recurrent projection, [N,4H]
}

// NewBackward builds a backward pass for a fixed (batch, input, hidden)
// problem size, sharing the caller's linear-algebra handle.
func NewBackward[T haste.Float](batch, inputSize, hiddenSize int, h *linalg.Handle) (*BackwardPass[T], error) {
	if batch <= 0 || inputSize <= 0 || hiddenSize <= 0 {
		return nil, fmt.Errorf("%w: non-positive dimensions N=%d C=%d H=%d", ErrShape, batch, inputSize, hiddenSize)
	}
	if h == nil {
		return nil, fmt.Errorf("lnlstm: nil linalg handle")
	}
	g4 := hiddenSize * numGates
	return &BackwardPass[T]{
		batch:  batch,
		input:  inputSize,
		hidden: hiddenSize,
		blas:   h,
		dh:     make([]T, batch*hiddenSize),
		dc:     make([]T, batch*hiddenSize),
		dv:     make([]T, batch*g4),
		dRhRaw: make([]T, batch*g4),
	}, nil
}

// Run executes the backward recurrence over steps time steps.
//
// Inputs (flat row-major):
//
//	xT               [C, T, N]   x, transposed
//	kernelT          [4H, C]     kernel, transposed
//	recurrentKernelT [4H, H]     recurrent kernel, transposed
//	bias             [4H]
//	alpha, beta      [2, 4H]
//	h, c             [T+1, N, H] the forward outputs
//	cache                        the forward activation cache
//	dhNew, dcNew     [T, N, H]   upstream gradients
//	zoneoutMask      [T, N, H] or nil
//
// The cache must structurally match the layout this pass expects for
// (steps, batch, hidden); a mismatch fails before any element is read.
// Gate values are reconstructed from the cached raw pre-activations and
// statistics; no forward reduction is recomputed.
func (p *BackwardPass[T]) Run(steps int, xT, kernelT, recurrentKernelT, bias, alpha, beta, h, c []T, cache *Cache[T], dhNew, dcNew, zoneoutMask []T, grads *Gradients[T]) error {
	if err := p.validate(steps, xT, kernelT, recurrentKernelT, bias, alpha, beta, h, c, dhNew, dcNew, zoneoutMask, grads); err != nil {
		return err
	}

	expected := CacheLayout(steps, p.batch, p.hidden)
	if cache == nil || !cache.layout.Equal(expected) {
		return fmt.Errorf("%w: cache was not produced by a forward pass over [T=%d, N=%d, H=%d]",
			ErrCacheLayout, steps, p.batch, p.hidden)
	}

	start := time.Now()
	dtype := dtypeOf[T]()

	g4 := p.hidden * numGates
	nh := p.batch * p.hidden
	n4h := p.batch * g4

	mem, err := arena.Realize(cache.layout, cache.buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCacheLayout, err)
	}
	actWx := mem.Region(regionWx).Data
	actWxNorm := mem.Region(regionWxNorm).Data
	actWxNormCache := mem.Region(regionWxNormCache).Data
	actRh := mem.Region(regionRh).Data
	actRhNormCache := mem.Region(regionRhNormCache).Data

	alpha1, alpha2 := alpha[:g4], alpha[g4:]

	log.Debug().
		Int("steps", steps).Int("batch", p.batch).
		Int("input", p.input).Int("hidden", p.hidden).
		Str("dtype", dtype).
		Msg("lnlstm backward")

	kernels.Zero(grads.DW)
	kernels.Zero(grads.DR)
	kernels.Zero(grads.DB)
	kernels.Zero(grads.DAlpha)
	kernels.Zero(grads.DBeta)
	kernels.Zero(p.dh)
	kernels.Zero(p.dc)

	dalpha1, dalpha2 := grads.DAlpha[:g4], grads.DAlpha[g4:]
	dbeta1, dbeta2 := grads.DBeta[:g4], grads.DBeta[g4:]

	// Gradient w.r.t. the normalized input projection, accumulated per
	// step and pushed through layer-norm stream 1 once after the loop.
	dWxNorm := make([]T, steps*n4h)

	for t := steps - 1; t >= 0; t-- {
		hPrev := h[t*nh : (t+1)*nh]
		cPrev := c[t*nh : (t+1)*nh]
		rhRaw := actRh[t*n4h : (t+1)*n4h]
		rhCache := actRhNormCache[t*p.batch*layernorm.CacheStride : (t+1)*p.batch*layernorm.CacheStride]
		wxNorm := actWxNorm[t*n4h : (t+1)*n4h]
		var mask []T
		if zoneoutMask != nil {
			mask = zoneoutMask[t*nh : (t+1)*nh]
		}

		p.pointwise(dhNew[t*nh:(t+1)*nh], dcNew[t*nh:(t+1)*nh],
			wxNorm, rhRaw, rhCache, bias, alpha2, beta[g4:], cPrev, mask, grads.DB)
		copy(dWxNorm[t*n4h:(t+1)*n4h], p.dv)

		// Through layer-norm stream 2 to the raw recurrent projection.
		layernorm.Backward(g4, alpha2, rhRaw, rhCache, p.dv, p.dRhRaw, dalpha2, dbeta2)

		// dR += h_{t-1}^T · dRh
		if err := linalg.Gemm(p.blas, blas.Trans, blas.NoTrans,
			p.hidden, g4, p.batch,
			1, hPrev, p.hidden, p.dRhRaw, g4, 1, grads.DR, g4); err != nil {
			return err
		}
		// dh_{t-1} += dRh · R^T, on top of the direct zoneout path the
		// pointwise stage already seeded.
		if err := linalg.Gemm(p.blas, blas.NoTrans, blas.NoTrans,
			p.batch, p.hidden, g4,
			1, p.dRhRaw, g4, recurrentKernelT, p.hidden, 1, p.dh, p.hidden); err != nil {
			return err
		}
	}

	// Layer-norm stream 1 backward over the whole batched input stream.
	// dWxNorm is consumed and overwritten in place with the gradient
	// w.r.t. the raw projection.
	layernorm.Backward(g4, alpha1, actWx, actWxNormCache, dWxNorm, dWxNorm, dalpha1, dbeta1)

	// dW = x^T · dWx and dx = dWx · W^T, batched over all T*N rows.
	if err := linalg.Gemm(p.blas, blas.NoTrans, blas.NoTrans,
		p.input, g4, steps*p.batch,
		1, xT, steps*p.batch, dWxNorm, g4, 0, grads.DW, g4); err != nil {
		return err
	}
	if err := linalg.Gemm(p.blas, blas.NoTrans, blas.NoTrans,
		steps*p.batch, p.input, g4,
		1, dWxNorm, g4, kernelT, p.input, 0, grads.DX, p.input); err != nil {
		return err
	}

	kernelCalls.WithLabelValues("backward", dtype).Inc()
	kernelDuration.WithLabelValues("backward", dtype).Observe(time.Since(start).Seconds())
	return nil
}

// pointwise computes one reverse step: it folds the upstream gradients
// into the carried state gradients, reconstructs the gate values from the
// cached activations, and produces the gate pre-activation gradient in
// p.dv. On return p.dh holds only the direct (zoneout) portion of the next
// carry (the recurrent matmul term is accumulated by the caller) and p.dc
// holds the complete cell-state carry.
func (p *BackwardPass[T]) pointwise(dhNew, dcNew, wxNorm, rhRaw, rhCache, bias, alpha2, beta2, cPrev, mask []T, db []T) {
	hid := p.hidden
	g4 := hid * numGates

	for n := 0; n < p.batch; n++ {
		base := n * g4
		row := n * hid
		mean := rhCache[n*layernorm.CacheStride]
		invStd := rhCache[n*layernorm.CacheStride+1]

		for j := 0; j < hid; j++ {
			dhTotal := dhNew[row+j] + p.dh[row+j]
			dcTotal := dcNew[row+j] + p.dc[row+j]

			// Zoneout routes each element's gradient to either the
			// newly-computed-state path or directly to the previous state,
			// mirroring the forward blend.
			var m T = 1
			if mask != nil {
				m = mask[row+j]
			}
			dhHat := m * dhTotal
			dcHat := m * dcTotal
			dhDirect := (1 - m) * dhTotal
			dcDirect := (1 - m) * dcTotal

			// Reconstruct the gate values for this element from the cached
			// pre-activations: normalized recurrent projection from the raw
			// values and cached statistics, then the known nonlinearities.
			iCol := base + gateInput*hid + j
			fCol := base + gateForget*hid + j
			gCol := base + gateCandidate*hid + j
			oCol := base + gateOutput*hid + j

			vi := wxNorm[iCol] + (rhRaw[iCol]-mean)*invStd*alpha2[gateInput*hid+j] + beta2[gateInput*hid+j] + bias[gateInput*hid+j]
			vf := wxNorm[fCol] + (rhRaw[fCol]-mean)*invStd*alpha2[gateForget*hid+j] + beta2[gateForget*hid+j] + bias[gateForget*hid+j]
			vg := wxNorm[gCol] + (rhRaw[gCol]-mean)*invStd*alpha2[gateCandidate*hid+j] + beta2[gateCandidate*hid+j] + bias[gateCandidate*hid+j]
			vo := wxNorm[oCol] + (rhRaw[oCol]-mean)*invStd*alpha2[gateOutput*hid+j] + beta2[gateOutput*hid+j] + bias[gateOutput*hid+j]

			iGate := kernels.Sigmoid(vi)
			fGate := kernels.Sigmoid(vf)
			gGate := kernels.Tanh(vg)
			oGate := kernels.Sigmoid(vo)

			// The unblended candidate cell state and its tanh; the stored
			// c[t+1] may have been zoneout-blended, so rebuild from c[t].
			cHat := fGate*cPrev[row+j] + iGate*gGate
			tanhC := kernels.Tanh(cHat)

			dO := dhHat * tanhC
			dCHat := dhHat*oGate*(1-tanhC*tanhC) + dcHat
			dI := dCHat * gGate
			dF := dCHat * cPrev[row+j]
			dG := dCHat * iGate

			p.dv[iCol] = dI * iGate * (1 - iGate)
			p.dv[fCol] = dF * fGate * (1 - fGate)
			p.dv[gCol] = dG * (1 - gGate*gGate)
			p.dv[oCol] = dO * oGate * (1 - oGate)

			p.dh[row+j] = dhDirect
			p.dc[row+j] = dCHat*fGate + dcDirect
		}

		kernels.VecAdd(db, p.dv[base:base+g4])
	}
}

func (p *BackwardPass[T]) validate(steps int, xT, kernelT, recurrentKernelT, bias, alpha, beta, h, c, dhNew, dcNew, zoneoutMask []T, grads *Gradients[T]) error {
	g4 := p.hidden * numGates
	nh := p.batch * p.hidden
	if grads == nil {
		return fmt.Errorf("%w: nil gradients", ErrShape)
	}
	switch {
	case steps <= 0:
		return fmt.Errorf("%w: steps must be positive, got %d", ErrShape, steps)
	case len(xT) != p.input*steps*p.batch:
		return fmt.Errorf("%w: transposed x must be [C=%d, T=%d, N=%d], got %d elements", ErrShape, p.input, steps, p.batch, len(xT))
	case len(kernelT) != g4*p.input:
		return fmt.Errorf("%w: transposed kernel must be [4H=%d, C=%d], got %d elements", ErrShape, g4, p.input, len(kernelT))
	case len(recurrentKernelT) != g4*p.hidden:
		return fmt.Errorf("%w: transposed recurrent kernel must be [4H=%d, H=%d], got %d elements", ErrShape, g4, p.hidden, len(recurrentKernelT))
	case len(bias) != g4:
		return fmt.Errorf("%w: bias must be [4H=%d], got %d elements", ErrShape, g4, len(bias))
	case len(alpha) != 2*g4:
		return fmt.Errorf("%w: alpha must be [2, 4H=%d], got %d elements", ErrShape, g4, len(alpha))
	case len(beta) != 2*g4:
		return fmt.Errorf("%w: beta must be [2, 4H=%d], got %d elements", ErrShape, g4, len(beta))
	case len(h) != (steps+1)*nh:
		return fmt.Errorf("%w: h must be [T+1=%d, N=%d, H=%d], got %d elements", ErrShape, steps+1, p.batch, p.hidden, len(h))
	case len(c) != (steps+1)*nh:
		return fmt.Errorf("%w: c must be [T+1=%d, N=%d, H=%d], got %d elements", ErrShape, steps+1, p.batch, p.hidden, len(c))
	case len(dhNew) != steps*nh:
		return fmt.Errorf("%w: dh_new must be [T=%d, N=%d, H=%d], got %d elements", ErrShape, steps, p.batch, p.hidden, len(dhNew))
	case len(dcNew) != steps*nh:
		return fmt.Errorf("%w: dc_new must be [T=%d, N=%d, H=%d], got %d elements", ErrShape, steps, p.batch, p.hidden, len(dcNew))
	case zoneoutMask != nil && len(zoneoutMask) != steps*nh:
		return fmt.Errorf("%w: zoneout mask must be [T=%d, N=%d, H=%d], got %d elements", ErrShape, steps, p.batch, p.hidden, len(zoneoutMask))
	case len(grads.DX) != steps*p.batch*p.input:
		return fmt.Errorf("%w: dx must be [T=%d, N=%d, C=%d], got %d elements", ErrShape, steps, p.batch, p.input, len(grads.DX))
	case len(grads.DW) != p.input*g4:
		return fmt.Errorf("%w: dW must be [C=%d, 4H=%d], got %d elements", ErrShape, p.input, g4, len(grads.DW))
	case len(grads.DR) != p.hidden*g4:
		return fmt.Errorf("%w: dR must be [H=%d, 4H=%d], got %d elements", ErrShape, p.hidden, g4, len(grads.DR))
	case len(grads.DB) != g4:
		return fmt.Errorf("%w: db must be [4H=%d], got %d elements", ErrShape, g4, len(grads.DB))
	case len(grads.DAlpha) != 2*g4:
		return fmt.Errorf("%w: dalpha must be [2, 4H=%d], got %d elements", ErrShape, g4, len(grads.DAlpha))
	case len(grads.DBeta) != 2*g4:
		return fmt.Errorf("%w: dbeta must be [2, 4H=%d], got %d elements", ErrShape, g4, len(grads.DBeta))
	}
	return nil
}
