// Package layernorm implements per-row layer normalization with learned
// affine parameters. The forward pass caches two statistics per row (mean
// and inverse standard deviation) so the backward pass can reconstruct the
// normalized values exactly instead of recomputing reductions over the raw
// input.
package layernorm

import (
	"math"

	"github.com/shaun95/haste"
)

// Eps is added to the variance before inversion so constant rows do not
// divide by zero.
const Eps = 1e-5

// CacheStride is the number of cached statistics per row: mean at offset 0,
// inverse standard deviation at offset 1.
const CacheStride = 2

// Forward normalizes each width-sized row of x to zero mean and unit
// variance, applies the per-column affine y = x̂*alpha + beta and records
// (mean, invStd) per row into cache. len(x) must be a multiple of width;
// len(y) == len(x); len(cache) == CacheStride * rows. x and y may alias.
func Forward[T haste.Float](width int, alpha, beta, x, y, cache []T) {
	rows := len(x) / width
	for r := 0; r < rows; r++ {
		row := x[r*width : (r+1)*width]
		out := y[r*width : (r+1)*width]

		var sum float64
		for _, v := range row {
			sum += float64(v)
		}
		mean := sum / float64(width)

		var varSum float64
		for _, v := range row {
			d := float64(v) - mean
			varSum += d * d
		}
		invStd := 1.0 / math.Sqrt(varSum/float64(width)+Eps)

		for j, v := range row {
			norm := (float64(v) - mean) * invStd
			out[j] = T(norm)*alpha[j] + beta[j]
		}

		cache[r*CacheStride] = T(mean)
		cache[r*CacheStride+1] = T(invStd)
	}
}

// Backward computes the gradient of Forward. x is the raw (pre-norm) input,
// cache the statistics Forward produced for it and dy the upstream gradient
// of the affine output. dx receives the gradient w.r.t. x; dalpha and dbeta
// accumulate (+=) the parameter gradients summed over all rows, so a caller
// may invoke Backward several times against shared accumulators. dy and dx
// may alias.
func Backward[T haste.Float](width int, alpha, x, cache, dy, dx, dalpha, dbeta []T) {
	rows := len(x) / width
	w := float64(width)
	for r := 0; r < rows; r++ {
		row := x[r*width : (r+1)*width]
		dyRow := dy[r*width : (r+1)*width]
		dxRow := dx[r*width : (r+1)*width]

		mean := float64(cache[r*CacheStride])
		invStd := float64(cache[r*CacheStride+1])

		// First sweep: parameter gradients and the two row reductions the
		// input gradient needs.
		var sumDxhat, sumDxhatXhat float64
		for j, v := range dyRow {
			xhat := (float64(row[j]) - mean) * invStd
			dbeta[j] += v
			dalpha[j] += v * T(xhat)
			dxhat := float64(v) * float64(alpha[j])
			sumDxhat += dxhat
			sumDxhatXhat += dxhat * xhat
		}

		// Second sweep: gradient through the mean/variance reduction.
		for j, v := range dyRow {
			xhat := (float64(row[j]) - mean) * invStd
			dxhat := float64(v) * float64(alpha[j])
			dxRow[j] = T(invStd * (dxhat - sumDxhat/w - xhat*sumDxhatXhat/w))
		}
	}
}
