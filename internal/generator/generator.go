// Package generator provides the pluggable generator backends of the
// adversarial model: a classical dense network, two simulated parametrized
// quantum circuits, and a hardware-backed circuit executed remotely.
//
// All backends satisfy the same contract: given a batch of latent vectors
// they deterministically produce a batch of feature vectors in [0, 1].
// The rest of the pipeline never branches on the backend kind.
package generator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/aristath/warden/internal/config"
	"gonum.org/v1/gonum/mat"
)

// Kind identifies a generator backend variant.
type Kind string

const (
	// KindClassical is a dense network generator.
	KindClassical Kind = "classical"
	// KindSimRing simulates a circuit with a CZ ring entangler on every
	// second layer (sparse entanglement).
	KindSimRing Kind = "sim-ring"
	// KindSimChain simulates a circuit with a CNOT chain entangler on
	// every layer (dense entanglement).
	KindSimChain Kind = "sim-chain"
	// KindHardware runs the sim-ring circuit on a remote execution service.
	KindHardware Kind = "hardware"
)

// ErrUnknownKind is returned for an unrecognized backend selector.
var ErrUnknownKind = errors.New("unknown generator backend")

// ParseKind validates a backend selector string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindClassical, KindSimRing, KindSimChain, KindHardware:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Backend generates feature vectors from latent vectors.
//
// Generate must be deterministic given fixed parameters and latents; any
// randomness a backend needs is fixed at construction time. Implementations
// expose their parameters as a flat []float64 so the trainer, the latent
// optimizer and the persisted model share one representation.
type Backend interface {
	Kind() Kind
	LatentDim() int
	FeatureDim() int

	// Params returns a copy of the current parameter vector.
	Params() []float64
	// SetParams replaces the parameter vector.
	SetParams(p []float64) error

	// Generate maps a latent batch (rows = samples, cols = LatentDim) to a
	// feature batch (rows = samples, cols = FeatureDim).
	Generate(ctx context.Context, latents *mat.Dense) (*mat.Dense, error)
}

// Options carries construction-time inputs that are not hyperparameters.
type Options struct {
	// Rng drives parameter initialization and random basis selection.
	// Required.
	Rng *rand.Rand
	// Bases reuses the rotation bases of a persisted circuit model instead
	// of drawing fresh ones. Ignored by the classical backend.
	Bases []string
	// Executor overrides the remote circuit executor for the hardware
	// backend. Tests inject a deterministic fake here. When nil, an HTTP
	// executor is built from the config's HardwareURL and HardwareToken.
	Executor Executor
}

// New constructs the backend selected by cfg.Backend for data with the
// given feature dimension.
func New(cfg config.TrainingConfig, featureDim int, opts Options) (Backend, error) {
	if opts.Rng == nil {
		return nil, fmt.Errorf("generator: Options.Rng is required")
	}
	if featureDim <= 0 {
		return nil, fmt.Errorf("generator: feature dimension must be positive, got %d", featureDim)
	}

	kind, err := ParseKind(cfg.Backend)
	if err != nil {
		return nil, err
	}
	latentDim := cfg.ResolveLatentDim(featureDim)

	switch kind {
	case KindClassical:
		return newClassical(latentDim, featureDim, cfg.TotalDepth, opts.Rng)
	case KindSimRing:
		return newSimulated(KindSimRing, latentDim, featureDim, cfg.TotalDepth, opts.Bases, opts.Rng)
	case KindSimChain:
		return newSimulated(KindSimChain, latentDim, featureDim, cfg.TotalDepth, opts.Bases, opts.Rng)
	case KindHardware:
		exec := opts.Executor
		if exec == nil {
			exec = NewHTTPExecutor(cfg.HardwareURL, cfg.HardwareToken)
		}
		return newHardware(latentDim, featureDim, cfg.TotalDepth, opts.Bases, opts.Rng, exec)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Backend)
}

// checkLatents validates the shape of a latent batch.
func checkLatents(latents *mat.Dense, latentDim int) error {
	_, cols := latents.Dims()
	if cols != latentDim {
		return fmt.Errorf("latent batch width %d does not match backend latent dimension %d", cols, latentDim)
	}
	return nil
}
