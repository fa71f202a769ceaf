package lnlstm

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shaun95/haste/internal/linalg"
)

// transposeX reshapes x[T,N,C] into xT[C,T,N].
func transposeX(x []float64, steps, batch, input int) []float64 {
	xT := make([]float64, len(x))
	for t := 0; t < steps; t++ {
		for n := 0; n < batch; n++ {
			for c := 0; c < input; c++ {
				xT[c*steps*batch+t*batch+n] = x[t*batch*input+n*input+c]
			}
		}
	}
	return xT
}

// transposeMat transposes a row-major [rows, cols] matrix.
func transposeMat(m []float64, rows, cols int) []float64 {
	mT := make([]float64, len(m))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			mT[c*rows+r] = m[r*cols+c]
		}
	}
	return mT
}

func newGradients(p *problem) *Gradients[float64] {
	g4 := p.hidden * numGates
	return &Gradients[float64]{
		DX:     make([]float64, p.steps*p.batch*p.input),
		DW:     make([]float64, p.input*g4),
		DR:     make([]float64, p.hidden*g4),
		DB:     make([]float64, g4),
		DAlpha: make([]float64, 2*g4),
		DBeta:  make([]float64, 2*g4),
	}
}

// loss runs a fresh forward pass and contracts the outputs with the
// upstream gradients: sum(dhNew .* h[1:]) + sum(dcNew .* c[1:]).
func (p *problem) loss(t *testing.T, h *linalg.Handle, dhNew, dcNew, mask []float64, prob float64) float64 {
	t.Helper()
	hSeq, cSeq, _ := p.forward(t, h, true, prob, mask)
	nh := p.batch * p.hidden
	var l float64
	for i := range dhNew {
		l += dhNew[i]*hSeq[nh+i] + dcNew[i]*cSeq[nh+i]
	}
	return l
}

// runBackward performs a matching forward+backward and returns the
// analytic gradients.
func (p *problem) runBackward(t *testing.T, h *linalg.Handle, dhNew, dcNew, mask []float64, prob float64) *Gradients[float64] {
	t.Helper()
	hSeq, cSeq, cache := p.forward(t, h, true, prob, mask)

	bwd, err := NewBackward[float64](p.batch, p.input, p.hidden, h)
	require.NoError(t, err)

	grads := newGradients(p)
	err = bwd.Run(p.steps,
		transposeX(p.x, p.steps, p.batch, p.input),
		transposeMat(p.kernel, p.input, p.hidden*numGates),
		transposeMat(p.recurrentKernel, p.hidden, p.hidden*numGates),
		p.bias, p.alpha, p.beta,
		hSeq, cSeq, cache, dhNew, dcNew, mask, grads)
	require.NoError(t, err)
	return grads
}

// checkGrad compares one analytic gradient buffer against central finite
// differences of the loss w.r.t. the parameter slice param points at.
func (p *problem) checkGrad(t *testing.T, h *linalg.Handle, name string, param, analytic []float64, dhNew, dcNew, mask []float64, prob, step, tol float64) {
	t.Helper()
	require.Equal(t, len(param), len(analytic), "%s buffer size", name)
	for i := range param {
		orig := param[i]
		param[i] = orig + step
		plus := p.loss(t, h, dhNew, dcNew, mask, prob)
		param[i] = orig - step
		minus := p.loss(t, h, dhNew, dcNew, mask, prob)
		param[i] = orig

		numeric := (plus - minus) / (2 * step)
		require.InDelta(t, numeric, analytic[i], tol, "%s[%d]", name, i)
	}
}

// TestBackwardTinyScenario is the hand-checkable end-to-end case: every
// dimension is 1, all parameters are fixed small constants and the
// upstream hidden gradient is 1 at both steps.
func TestBackwardTinyScenario(t *testing.T) {
	h := linalg.NewHandle()
	defer h.Close()

	p := &problem{
		steps: 2, batch: 1, input: 1, hidden: 1,
		kernel:          []float64{0.5, -0.3, 0.2, 0.4},
		recurrentKernel: []float64{0.3, 0.2, -0.4, 0.1},
		bias:            []float64{0.1, 0.2, 0.3, 0.4},
		alpha:           []float64{1.1, 0.9, 1.2, 0.8, 1.0, 1.3, 0.7, 1.1},
		beta:            []float64{0.01, -0.02, 0.03, -0.04, 0.02, -0.01, 0.04, -0.03},
		x:               []float64{0.7, -0.4},
	}
	dhNew := []float64{1, 1}
	dcNew := []float64{0, 0}

	grads := p.runBackward(t, h, dhNew, dcNew, nil, 0)

	const step = 1e-5
	const tol = 1e-4
	p.checkGrad(t, h, "dx", p.x, grads.DX, dhNew, dcNew, nil, 0, step, tol)
	p.checkGrad(t, h, "dW", p.kernel, grads.DW, dhNew, dcNew, nil, 0, step, tol)
	p.checkGrad(t, h, "dR", p.recurrentKernel, grads.DR, dhNew, dcNew, nil, 0, step, tol)
	p.checkGrad(t, h, "db", p.bias, grads.DB, dhNew, dcNew, nil, 0, step, tol)
	p.checkGrad(t, h, "dalpha", p.alpha, grads.DAlpha, dhNew, dcNew, nil, 0, step, tol)
	p.checkGrad(t, h, "dbeta", p.beta, grads.DBeta, dhNew, dcNew, nil, 0, step, tol)
}

func TestBackwardGradcheck(t *testing.T) {
	h := linalg.NewHandle()
	defer h.Close()

	cases := []struct {
		name string
		prob float64
	}{
		{"no zoneout", 0},
		{"zoneout", 0.4},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newProblem(t, 3, 2, 3, 2, 31)
			nh := p.batch * p.hidden

			var mask []float64
			if tc.prob > 0 {
				mask = BernoulliMask[float64](p.steps, p.batch, p.hidden, tc.prob, 77)
			}

			rng := rand.New(rand.NewPCG(19, 23))
			dhNew := make([]float64, p.steps*nh)
			dcNew := make([]float64, p.steps*nh)
			for i := range dhNew {
				dhNew[i] = rng.NormFloat64()
				dcNew[i] = rng.NormFloat64() * 0.5
			}

			grads := p.runBackward(t, h, dhNew, dcNew, mask, tc.prob)

			const step = 1e-5
			const tol = 1e-4
			p.checkGrad(t, h, "dx", p.x, grads.DX, dhNew, dcNew, mask, tc.prob, step, tol)
			p.checkGrad(t, h, "dW", p.kernel, grads.DW, dhNew, dcNew, mask, tc.prob, step, tol)
			p.checkGrad(t, h, "dR", p.recurrentKernel, grads.DR, dhNew, dcNew, mask, tc.prob, step, tol)
			p.checkGrad(t, h, "db", p.bias, grads.DB, dhNew, dcNew, mask, tc.prob, step, tol)
			p.checkGrad(t, h, "dalpha", p.alpha, grads.DAlpha, dhNew, dcNew, mask, tc.prob, step, tol)
			p.checkGrad(t, h, "dbeta", p.beta, grads.DBeta, dhNew, dcNew, mask, tc.prob, step, tol)
		})
	}
}

func TestBackwardCacheValidation(t *testing.T) {
	h := linalg.NewHandle()
	defer h.Close()

	p := newProblem(t, 3, 2, 3, 4, 41)
	hSeq, cSeq, _ := p.forward(t, h, true, 0, nil)

	bwd, err := NewBackward[float64](p.batch, p.input, p.hidden, h)
	require.NoError(t, err)

	nh := p.batch * p.hidden
	dhNew := make([]float64, p.steps*nh)
	dcNew := make([]float64, p.steps*nh)
	grads := newGradients(p)

	run := func(cache *Cache[float64]) error {
		return bwd.Run(p.steps,
			transposeX(p.x, p.steps, p.batch, p.input),
			transposeMat(p.kernel, p.input, p.hidden*numGates),
			transposeMat(p.recurrentKernel, p.hidden, p.hidden*numGates),
			p.bias, p.alpha, p.beta,
			hSeq, cSeq, cache, dhNew, dcNew, nil, grads)
	}

	require.ErrorIs(t, run(nil), ErrCacheLayout)

	// A cache produced for a different problem size must be rejected even
	// though its buffer could be large enough to read from.
	other := newProblem(t, 4, 2, 3, 4, 43)
	_, _, wrongCache := other.forward(t, h, true, 0, nil)
	require.ErrorIs(t, run(wrongCache), ErrCacheLayout)
}

func TestBackwardShapeValidation(t *testing.T) {
	h := linalg.NewHandle()
	defer h.Close()

	p := newProblem(t, 2, 2, 3, 4, 47)
	hSeq, cSeq, cache := p.forward(t, h, true, 0, nil)

	bwd, err := NewBackward[float64](p.batch, p.input, p.hidden, h)
	require.NoError(t, err)

	nh := p.batch * p.hidden
	dhNew := make([]float64, p.steps*nh)
	dcNew := make([]float64, p.steps*nh)
	grads := newGradients(p)

	xT := transposeX(p.x, p.steps, p.batch, p.input)
	kT := transposeMat(p.kernel, p.input, p.hidden*numGates)
	rT := transposeMat(p.recurrentKernel, p.hidden, p.hidden*numGates)

	require.NoError(t, bwd.Run(p.steps, xT, kT, rT, p.bias, p.alpha, p.beta, hSeq, cSeq, cache, dhNew, dcNew, nil, grads))

	require.ErrorIs(t, bwd.Run(p.steps, xT[:len(xT)-1], kT, rT, p.bias, p.alpha, p.beta, hSeq, cSeq, cache, dhNew, dcNew, nil, grads), ErrShape)
	require.ErrorIs(t, bwd.Run(p.steps, xT, kT[:1], rT, p.bias, p.alpha, p.beta, hSeq, cSeq, cache, dhNew, dcNew, nil, grads), ErrShape)
	require.ErrorIs(t, bwd.Run(p.steps, xT, kT, rT, p.bias, p.alpha, p.beta, hSeq[:nh], cSeq, cache, dhNew, dcNew, nil, grads), ErrShape)
	require.ErrorIs(t, bwd.Run(p.steps, xT, kT, rT, p.bias, p.alpha, p.beta, hSeq, cSeq, cache, dhNew[:1], dcNew, nil, grads), ErrShape)
	require.ErrorIs(t, bwd.Run(p.steps, xT, kT, rT, p.bias, p.alpha, p.beta, hSeq, cSeq, cache, dhNew, dcNew, nil, nil), ErrShape)

	badGrads := newGradients(p)
	badGrads.DR = badGrads.DR[:1]
	require.ErrorIs(t, bwd.Run(p.steps, xT, kT, rT, p.bias, p.alpha, p.beta, hSeq, cSeq, cache, dhNew, dcNew, nil, badGrads), ErrShape)
}

// TestBackwardAfterRestore exercises the persistence boundary: the cache
// buffer survives as a plain slice and is rebuilt before the backward call.
func TestBackwardAfterRestore(t *testing.T) {
	h := linalg.NewHandle()
	defer h.Close()

	p := newProblem(t, 3, 2, 3, 2, 53)
	nh := p.batch * p.hidden

	rng := rand.New(rand.NewPCG(29, 31))
	dhNew := make([]float64, p.steps*nh)
	dcNew := make([]float64, p.steps*nh)
	for i := range dhNew {
		dhNew[i] = rng.NormFloat64()
	}

	hSeq, cSeq, cache := p.forward(t, h, true, 0, nil)
	restored, err := RestoreCache[float64](p.steps, p.batch, p.hidden, append([]float64(nil), cache.Data()...))
	require.NoError(t, err)

	bwd, err := NewBackward[float64](p.batch, p.input, p.hidden, h)
	require.NoError(t, err)

	xT := transposeX(p.x, p.steps, p.batch, p.input)
	kT := transposeMat(p.kernel, p.input, p.hidden*numGates)
	rT := transposeMat(p.recurrentKernel, p.hidden, p.hidden*numGates)

	fromOriginal := newGradients(p)
	require.NoError(t, bwd.Run(p.steps, xT, kT, rT, p.bias, p.alpha, p.beta, hSeq, cSeq, cache, dhNew, dcNew, nil, fromOriginal))

	fromRestored := newGradients(p)
	require.NoError(t, bwd.Run(p.steps, xT, kT, rT, p.bias, p.alpha, p.beta, hSeq, cSeq, restored, dhNew, dcNew, nil, fromRestored))

	require.Equal(t, fromOriginal, fromRestored)
}
