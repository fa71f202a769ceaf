// Package haste provides fast implementations of recurrent neural network
// layers as plain numeric kernels: a forward pass that produces the full
// state sequence plus an opaque activation cache, and a backward pass that
// consumes the cache to produce exact analytic gradients.
//
// The layer implementations live in their own packages (see lnlstm for the
// layer-normalized LSTM). This package holds the small pieces they share.
package haste

// Float is the element type accepted by every kernel in this module.
// A single call operates on one element type end to end; mixing types
// between a forward pass and its paired backward pass is not supported.
type Float interface {
	~float32 | ~float64
}
