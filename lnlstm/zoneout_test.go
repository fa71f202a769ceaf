package lnlstm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBernoulliMask(t *testing.T) {
	const steps, batch, hidden = 10, 8, 16
	const prob = 0.3

	mask := BernoulliMask[float32](steps, batch, hidden, prob, 123)
	require.Len(t, mask, steps*batch*hidden)

	var zeros int
	for _, v := range mask {
		require.True(t, v == 0 || v == 1, "mask values must be 0 or 1")
		if v == 0 {
			zeros++
		}
	}
	ratio := float64(zeros) / float64(len(mask))
	require.InDelta(t, prob, ratio, 0.05, "retention ratio should track prob")

	again := BernoulliMask[float32](steps, batch, hidden, prob, 123)
	require.Equal(t, mask, again, "same seed must reproduce the mask")

	other := BernoulliMask[float32](steps, batch, hidden, prob, 124)
	require.NotEqual(t, mask, other)
}
