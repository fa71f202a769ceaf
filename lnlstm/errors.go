package lnlstm

import "errors"

var (
	// ErrShape signals an input whose length disagrees with the declared
	// problem size. Raised before any buffer is allocated.
	ErrShape = errors.New("lnlstm: shape mismatch")

	// ErrCacheLayout signals a cache whose layout does not structurally
	// match the one the backward pass expects for its problem size.
	ErrCacheLayout = errors.New("lnlstm: cache layout mismatch")
)
