// Package linalg wraps the dense linear-algebra backend behind an explicit
// execution context. The recurrence engines never talk to a BLAS
// implementation directly; they are handed a *Handle by the caller, which
// owns it for the duration of the call sequence.
package linalg

import (
	"errors"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/shaun95/haste"
)

// ErrReleased is returned by operations issued on a closed handle.
var ErrReleased = errors.New("linalg: handle released")

// ErrElemType is returned when the element type has no BLAS dispatch.
// Only float32 and float64 themselves are routable; defined types over
// them are not, because the backend takes concrete slices.
var ErrElemType = errors.New("linalg: unsupported element type")

// Handle is the dense linear-algebra execution context. It captures the
// registered BLAS implementations at acquisition time so every matrix
// multiply issued through it runs on the same backend, in issue order.
// A Handle is safe for use by a single call sequence at a time; the caller
// acquires it once, threads it through paired forward/backward calls and
// releases it when done.
type Handle struct {
	f32 blas.Float32
	f64 blas.Float64
}

// NewHandle acquires an execution context bound to the currently registered
// BLAS implementations (the pure-Go gonum backend unless a cgo build
// registered a system BLAS).
func NewHandle() *Handle {
	return &Handle{
		f32: blas32.Implementation(),
		f64: blas64.Implementation(),
	}
}

// Close releases the handle. Subsequent operations fail with ErrReleased.
func (h *Handle) Close() {
	h.f32 = nil
	h.f64 = nil
}

func (h *Handle) released() bool {
	return h == nil || h.f32 == nil || h.f64 == nil
}

// Gemm computes c = alpha * op(a) * op(b) + beta * c for row-major
// matrices, where op is selected by tA and tB. m, n and k are the logical
// dimensions after transposition: op(a) is m×k, op(b) is k×n, c is m×n.
func Gemm[T haste.Float](h *Handle, tA, tB blas.Transpose, m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) error {
	if h.released() {
		return ErrReleased
	}
	switch a := any(a).(type) {
	case []float32:
		b := any(b).([]float32)
		c := any(c).([]float32)
		h.f32.Sgemm(tA, tB, m, n, k, float32(alpha), a, lda, b, ldb, float32(beta), c, ldc)
	case []float64:
		b := any(b).([]float64)
		c := any(c).([]float64)
		h.f64.Dgemm(tA, tB, m, n, k, float64(alpha), a, lda, b, ldb, float64(beta), c, ldc)
	default:
		return ErrElemType
	}
	return nil
}
