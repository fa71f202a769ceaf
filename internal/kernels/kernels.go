// Package kernels holds the elementwise numeric primitives shared by the
// recurrence engines: gate nonlinearities and small vector helpers. All
// functions are generic over the module's float types and operate on plain
// slices so callers can point them at arena regions directly.
package kernels

import (
	"math"

	"github.com/shaun95/haste"
)

// Sigmoid computes the logistic function 1 / (1 + exp(-x)).
func Sigmoid[T haste.Float](x T) T {
	return T(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Tanh computes the hyperbolic tangent of x.
func Tanh[T haste.Float](x T) T {
	return T(math.Tanh(float64(x)))
}

// Zero clears dst in place.
func Zero[T haste.Float](dst []T) {
	for i := range dst {
		dst[i] = 0
	}
}

// VecAdd performs dst += src.
func VecAdd[T haste.Float](dst, src []T) {
	// Unrolled loop for better pipelining
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale.
func VecAddScaled[T haste.Float](dst, src []T, scale T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecSum2 computes dst = a + b elementwise. The slices must have equal length.
func VecSum2[T haste.Float](dst, a, b []T) {
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
}
