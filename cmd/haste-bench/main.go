package main

import (
	"flag"
	"math/rand/v2"
	"net/http"
	"os"
	"runtime/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaun95/haste"
	"github.com/shaun95/haste/internal/linalg"
	"github.com/shaun95/haste/lnlstm"
)

var (
	steps       = flag.Int("steps", 128, "Sequence length T")
	batch       = flag.Int("batch", 32, "Batch size N")
	inputSize   = flag.Int("input", 256, "Input feature size C")
	hiddenSize  = flag.Int("hidden", 256, "Hidden state size H")
	dtype       = flag.String("dtype", "fp32", "Element type (fp32, fp64)")
	iters       = flag.Int("iters", 20, "Number of forward+backward iterations")
	duration    = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 30s, 5m)")
	zoneoutProb = flag.Float64("zoneout", 0, "Zoneout retention probability")
	training    = flag.Bool("training", true, "Run in training mode (stochastic zoneout, backward pass)")
	seed        = flag.Uint64("seed", 42, "RNG seed for weights, inputs and the zoneout mask")
	listenAddr  = flag.String("listen", "", "Address to serve Prometheus metrics on (e.g. :9090)")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *listenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Info().Str("addr", *listenAddr).Msg("Serving Prometheus metrics")
			if err := http.ListenAndServe(*listenAddr, mux); err != nil {
				log.Fatal().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	switch *dtype {
	case "fp32":
		run[float32]()
	case "fp64":
		run[float64]()
	default:
		log.Fatal().Str("dtype", *dtype).Msg("Unknown element type")
	}
}

func run[T haste.Float]() {
	t, n, c, hid := *steps, *batch, *inputSize, *hiddenSize
	g4 := 4 * hid
	nh := n * hid

	log.Info().
		Int("steps", t).Int("batch", n).Int("input", c).Int("hidden", hid).
		Str("dtype", *dtype).Float64("zoneout", *zoneoutProb).Bool("training", *training).
		Msg("Benchmarking layer-norm LSTM")

	rng := rand.New(rand.NewPCG(*seed, *seed+1))
	fill := func(size int, scale float64) []T {
		s := make([]T, size)
		for i := range s {
			s[i] = T(rng.NormFloat64() * scale)
		}
		return s
	}

	kernel := fill(c*g4, 0.1)
	recurrentKernel := fill(hid*g4, 0.1)
	bias := fill(g4, 0.05)
	alpha := fill(2*g4, 0.05)
	for i := range alpha {
		alpha[i] += 1
	}
	beta := fill(2*g4, 0.05)
	x := fill(t*n*c, 1)

	var mask []T
	if *zoneoutProb > 0 {
		mask = lnlstm.BernoulliMask[T](t, n, hid, *zoneoutProb, *seed)
	}

	handle := linalg.NewHandle()
	defer handle.Close()

	fwd, err := lnlstm.NewForward[T](*training, n, c, hid, handle)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build forward pass")
	}
	bwd, err := lnlstm.NewBackward[T](n, c, hid, handle)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build backward pass")
	}

	h := make([]T, (t+1)*nh)
	cState := make([]T, (t+1)*nh)
	dhNew := fill(t*nh, 1)
	dcNew := make([]T, t*nh)

	// Backward consumes pre-transposed inputs; transpose once up front.
	xT := transpose3(x, t, n, c)
	kernelT := transpose2(kernel, c, g4)
	recurrentKernelT := transpose2(recurrentKernel, hid, g4)

	grads := &lnlstm.Gradients[T]{
		DX:     make([]T, t*n*c),
		DW:     make([]T, c*g4),
		DR:     make([]T, hid*g4),
		DB:     make([]T, g4),
		DAlpha: make([]T, 2*g4),
		DBeta:  make([]T, 2*g4),
	}

	deadline := time.Now().Add(*duration)
	start := time.Now()
	done := 0
	for i := 0; *duration > 0 && time.Now().Before(deadline) || *duration == 0 && i < *iters; i++ {
		cache, err := fwd.Run(t, kernel, recurrentKernel, bias, alpha, beta, x, h, cState, *zoneoutProb, mask)
		if err != nil {
			log.Fatal().Err(err).Msg("Forward pass failed")
		}
		if *training {
			err = bwd.Run(t, xT, kernelT, recurrentKernelT, bias, alpha, beta, h, cState, cache, dhNew, dcNew, mask, grads)
			if err != nil {
				log.Fatal().Err(err).Msg("Backward pass failed")
			}
		}
		done++
	}
	elapsed := time.Since(start)

	cells := float64(done) * float64(t) * float64(n) * float64(hid)
	log.Info().
		Int("iterations", done).
		Dur("elapsed", elapsed).
		Float64("cells_per_second", cells/elapsed.Seconds()).
		Msg("Benchmark complete")
}

// transpose3 reshapes a [d0, d1, d2] tensor into [d2, d0, d1].
func transpose3[T haste.Float](src []T, d0, d1, d2 int) []T {
	dst := make([]T, len(src))
	for i := 0; i < d0; i++ {
		for j := 0; j < d1; j++ {
			for k := 0; k < d2; k++ {
				dst[k*d0*d1+i*d1+j] = src[i*d1*d2+j*d2+k]
			}
		}
	}
	return dst
}

// transpose2 transposes a row-major [rows, cols] matrix.
func transpose2[T haste.Float](src []T, rows, cols int) []T {
	dst := make([]T, len(src))
	for r := 0; r < rows; r++ {
		for j := 0; j < cols; j++ {
			dst[j*rows+r] = src[r*cols+j]
		}
	}
	return dst
}
