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

// ForwardPass drives the T-step recurrence. It holds the per-call
// configuration plus per-step scratch buffers that are reused across
// iterations of the sequential loop. A ForwardPass is not safe for
// concurrent Run calls.
type ForwardPass[T haste.Float] struct {
	training bool
	batch    int
	input    int
	hidden   int
	blas     *linalg.Handle

	// Scratch for the normalized recurrent projection of one step, [N,4H].
	rhNorm []T
}

// NewForward builds a forward pass for a fixed (batch, input, hidden)
// problem size. The linear-algebra handle is owned by the caller and must
// stay open for every Run issued through the pass.
func NewForward[T haste.Float](training bool, batch, inputSize, hiddenSize int, h *linalg.Handle) (*ForwardPass[T], error) {
	if batch <= 0 || inputSize <= 0 || hiddenSize <= 0 {
		return nil, fmt.Errorf("%w: non-positive dimensions N=%d C=%d H=%d", ErrShape, batch, inputSize, hiddenSize)
	}
	if h == nil {
		return nil, fmt.Errorf("lnlstm: nil linalg handle")
	}
	return &ForwardPass[T]{
		training: training,
		batch:    batch,
		input:    inputSize,
		hidden:   hiddenSize,
		blas:     h,
		rhNorm:   make([]T, batch*hiddenSize*numGates),
	}, nil
}

// Run executes the forward recurrence over steps time steps.
//
// Inputs (flat row-major):
//
//	kernel          [C, 4H]
//	recurrentKernel [H, 4H]
//	bias            [4H]
//	alpha, beta     [2, 4H]
//	x               [T, N, C]
//	zoneoutMask     [T, N, H] or nil
//
// Outputs: h and c are caller-allocated [T+1, N, H] sequences; index 0 is
// the zero initial state, written by this call. The returned cache is
// allocated here and must be handed unmodified to the paired backward
// call.
//
// Zoneout is active when zoneoutProb > 0 and a mask is supplied. In
// training mode each state element retains its previous value where the
// mask is 0 and takes the new value where it is 1; in inference mode the
// mask only enables the path and the states blend deterministically as
// (1-p)*new + p*previous. The blend applies identically to h and c.
func (p *ForwardPass[T]) Run(steps int, kernel, recurrentKernel, bias, alpha, beta, x, h, c []T, zoneoutProb float64, zoneoutMask []T) (*Cache[T], error) {
	if err := p.validate(steps, kernel, recurrentKernel, bias, alpha, beta, x, h, c, zoneoutProb, zoneoutMask); err != nil {
		return nil, err
	}

	start := time.Now()
	dtype := dtypeOf[T]()

	g4 := p.hidden * numGates
	nh := p.batch * p.hidden
	n4h := p.batch * g4

	layout := CacheLayout(steps, p.batch, p.hidden)
	cache := &Cache[T]{
		steps:  steps,
		batch:  p.batch,
		hidden: p.hidden,
		layout: layout,
		buf:    make([]T, layout.NumElements()),
	}
	cacheElements.Set(float64(layout.NumElements()))

	mem, err := arena.Realize(layout, cache.buf)
	if err != nil {
		return nil, err
	}
	actWx := mem.Region(regionWx).Data
	actWxNorm := mem.Region(regionWxNorm).Data
	actWxNormCache := mem.Region(regionWxNormCache).Data
	actRh := mem.Region(regionRh).Data
	actRhNormCache := mem.Region(regionRhNormCache).Data

	alpha1, alpha2 := alpha[:g4], alpha[g4:]
	beta1, beta2 := beta[:g4], beta[g4:]

	log.Debug().
		Int("steps", steps).Int("batch", p.batch).
		Int("input", p.input).Int("hidden", p.hidden).
		Bool("training", p.training).Str("dtype", dtype).
		Msg("lnlstm forward")

	// Outputs at index 0 hold the zero initial state.
	kernels.Zero(h[:nh])
	kernels.Zero(c[:nh])

	// The input projection has no sequential dependency: one GEMM and one
	// layer-norm sweep over all T*N rows, hoisted out of the loop.
	if err := linalg.Gemm(p.blas, blas.NoTrans, blas.NoTrans,
		steps*p.batch, g4, p.input,
		1, x, p.input, kernel, g4, 0, actWx, g4); err != nil {
		return nil, err
	}
	layernorm.Forward(g4, alpha1, beta1, actWx, actWxNorm, actWxNormCache)

	for t := 0; t < steps; t++ {
		hPrev := h[t*nh : (t+1)*nh]
		cPrev := c[t*nh : (t+1)*nh]
		hNext := h[(t+1)*nh : (t+2)*nh]
		cNext := c[(t+1)*nh : (t+2)*nh]

		// Recurrent projection for this step, raw values cached for the
		// backward pass.
		rhRaw := actRh[t*n4h : (t+1)*n4h]
		if err := linalg.Gemm(p.blas, blas.NoTrans, blas.NoTrans,
			p.batch, g4, p.hidden,
			1, hPrev, p.hidden, recurrentKernel, g4, 0, rhRaw, g4); err != nil {
			return nil, err
		}
		rhCache := actRhNormCache[t*p.batch*layernorm.CacheStride : (t+1)*p.batch*layernorm.CacheStride]
		layernorm.Forward(g4, alpha2, beta2, rhRaw, p.rhNorm, rhCache)

		wxNorm := actWxNorm[t*n4h : (t+1)*n4h]
		var mask []T
		if zoneoutMask != nil {
			mask = zoneoutMask[t*nh : (t+1)*nh]
		}
		p.pointwise(wxNorm, bias, hPrev, cPrev, hNext, cNext, zoneoutProb, mask)
	}

	kernelCalls.WithLabelValues("forward", dtype).Inc()
	kernelDuration.WithLabelValues("forward", dtype).Observe(time.Since(start).Seconds())
	return cache, nil
}

// pointwise consumes the two normalized projections of one step and
// produces the next hidden and cell state.
func (p *ForwardPass[T]) pointwise(wxNorm, bias, hPrev, cPrev, hNext, cNext []T, zoneoutProb float64, mask []T) {
	hid := p.hidden
	g4 := hid * numGates
	zoneout := zoneoutProb > 0 && mask != nil
	keep := T(zoneoutProb)

	for n := 0; n < p.batch; n++ {
		base := n * g4
		row := n * hid
		for j := 0; j < hid; j++ {
			vi := wxNorm[base+gateInput*hid+j] + p.rhNorm[base+gateInput*hid+j] + bias[gateInput*hid+j]
			vf := wxNorm[base+gateForget*hid+j] + p.rhNorm[base+gateForget*hid+j] + bias[gateForget*hid+j]
			vg := wxNorm[base+gateCandidate*hid+j] + p.rhNorm[base+gateCandidate*hid+j] + bias[gateCandidate*hid+j]
			vo := wxNorm[base+gateOutput*hid+j] + p.rhNorm[base+gateOutput*hid+j] + bias[gateOutput*hid+j]

			iGate := kernels.Sigmoid(vi)
			fGate := kernels.Sigmoid(vf)
			gGate := kernels.Tanh(vg)
			oGate := kernels.Sigmoid(vo)

			cNew := fGate*cPrev[row+j] + iGate*gGate
			hNew := oGate * kernels.Tanh(cNew)

			if zoneout {
				if p.training {
					m := mask[row+j]
					hNew = m*hNew + (1-m)*hPrev[row+j]
					cNew = m*cNew + (1-m)*cPrev[row+j]
				} else {
					hNew = (1-keep)*hNew + keep*hPrev[row+j]
					cNew = (1-keep)*cNew + keep*cPrev[row+j]
				}
			}

			hNext[row+j] = hNew
			cNext[row+j] = cNew
		}
	}
}

func (p *ForwardPass[T]) validate(steps int, kernel, recurrentKernel, bias, alpha, beta, x, h, c []T, zoneoutProb float64, zoneoutMask []T) error {
	g4 := p.hidden * numGates
	nh := p.batch * p.hidden
	switch {
	case steps <= 0:
		return fmt.Errorf("%w: steps must be positive, got %d", ErrShape, steps)
	case len(kernel) != p.input*g4:
		return fmt.Errorf("%w: kernel must be [C=%d, 4H=%d], got %d elements", ErrShape, p.input, g4, len(kernel))
	case len(recurrentKernel) != p.hidden*g4:
		return fmt.Errorf("%w: recurrent kernel must be [H=%d, 4H=%d], got %d elements", ErrShape, p.hidden, g4, len(recurrentKernel))
	case len(bias) != g4:
		return fmt.Errorf("%w: bias must be [4H=%d], got %d elements", ErrShape, g4, len(bias))
	case len(alpha) != 2*g4:
		return fmt.Errorf("%w: alpha must be [2, 4H=%d], got %d elements", ErrShape, g4, len(alpha))
	case len(beta) != 2*g4:
		return fmt.Errorf("%w: beta must be [2, 4H=%d], got %d elements", ErrShape, g4, len(beta))
	case len(x) != steps*p.batch*p.input:
		return fmt.Errorf("%w: x must be [T=%d, N=%d, C=%d], got %d elements", ErrShape, steps, p.batch, p.input, len(x))
	case len(h) != (steps+1)*nh:
		return fmt.Errorf("%w: h must be [T+1=%d, N=%d, H=%d], got %d elements", ErrShape, steps+1, p.batch, p.hidden, len(h))
	case len(c) != (steps+1)*nh:
		return fmt.Errorf("%w: c must be [T+1=%d, N=%d, H=%d], got %d elements", ErrShape, steps+1, p.batch, p.hidden, len(c))
	case zoneoutMask != nil && len(zoneoutMask) != steps*nh:
		return fmt.Errorf("%w: zoneout mask must be [T=%d, N=%d, H=%d], got %d elements", ErrShape, steps, p.batch, p.hidden, len(zoneoutMask))
	case zoneoutProb < 0 || zoneoutProb > 1:
		return fmt.Errorf("%w: zoneout probability must be in [0, 1], got %g", ErrShape, zoneoutProb)
	}
	return nil
}
