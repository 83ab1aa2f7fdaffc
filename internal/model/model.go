// Package model defines the persisted model artifact: everything needed to
// reproduce scoring exactly on another machine, and the compatibility
// checks that keep train-time and predict-time configuration in lockstep.
package model

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/aristath/warden/internal/config"
	"github.com/aristath/warden/internal/generator"
	"github.com/aristath/warden/internal/scoring"
	"github.com/google/uuid"
)

// ErrConfigMismatch is returned when the predict-time configuration
// disagrees with the one the model was trained with.
var ErrConfigMismatch = errors.New("configuration does not match the persisted model")

// Model is the persisted artifact. Feature normalization bounds travel
// with it so new data is scaled exactly like the training data was.
type Model struct {
	ID         string    `msgpack:"id"`
	CreatedAt  time.Time `msgpack:"created_at"`
	FeatureDim int       `msgpack:"feature_dim"`
	Columns    []string  `msgpack:"columns"`
	Mins       []float64 `msgpack:"mins"`
	Maxs       []float64 `msgpack:"maxs"`

	Config          config.TrainingConfig `msgpack:"config"`
	Bases           []string              `msgpack:"bases,omitempty"` // circuit backends only
	GeneratorParams []float64             `msgpack:"generator_params"`

	Calibration *scoring.Calibration `msgpack:"calibration,omitempty"`
}

type basesProvider interface {
	Bases() []string
}

// Build captures a trained backend into an artifact. The resolved latent
// dimension is frozen into the stored configuration so reconstruction does
// not depend on the feature-count heuristic again.
func Build(cfg config.TrainingConfig, backend generator.Backend, columns []string, mins, maxs []float64) *Model {
	frozen := cfg
	frozen.LatentDim = backend.LatentDim()

	m := &Model{
		ID:              uuid.NewString(),
		CreatedAt:       time.Now().UTC(),
		FeatureDim:      backend.FeatureDim(),
		Columns:         columns,
		Mins:            mins,
		Maxs:            maxs,
		Config:          frozen,
		GeneratorParams: backend.Params(),
	}
	if bp, ok := backend.(basesProvider); ok {
		m.Bases = bp.Bases()
	}
	return m
}

// Validate checks structural integrity after loading.
func (m *Model) Validate() error {
	if m.FeatureDim <= 0 {
		return fmt.Errorf("model has invalid feature dimension %d", m.FeatureDim)
	}
	if len(m.GeneratorParams) == 0 {
		return fmt.Errorf("model has no generator parameters")
	}
	if len(m.Mins) != m.FeatureDim || len(m.Maxs) != m.FeatureDim {
		return fmt.Errorf("model normalization bounds cover %d/%d features, want %d",
			len(m.Mins), len(m.Maxs), m.FeatureDim)
	}
	if len(m.Columns) != 0 && len(m.Columns) != m.FeatureDim {
		return fmt.Errorf("model names %d columns for %d features", len(m.Columns), m.FeatureDim)
	}

	// Credentials never persist; a placeholder keeps hyperparameter
	// validation independent of them.
	cfg := m.Config
	cfg.HardwareToken = "runtime"
	return cfg.Validate()
}

// EnsureCompatible verifies that the runtime configuration can score with
// this model. Architecture-defining values must match exactly; a latent
// dimension of 0 defers to the model.
func (m *Model) EnsureCompatible(rt config.TrainingConfig) error {
	if rt.Backend != m.Config.Backend {
		return fmt.Errorf("%w: backend %q, model was trained with %q",
			ErrConfigMismatch, rt.Backend, m.Config.Backend)
	}
	if rt.LatentDim != 0 && rt.LatentDim != m.Config.LatentDim {
		return fmt.Errorf("%w: latent dimension %d, model was trained with %d",
			ErrConfigMismatch, rt.LatentDim, m.Config.LatentDim)
	}
	if rt.TotalDepth != m.Config.TotalDepth {
		return fmt.Errorf("%w: depth %d, model was trained with %d",
			ErrConfigMismatch, rt.TotalDepth, m.Config.TotalDepth)
	}
	return nil
}

// Threshold returns the calibrated verdict threshold, false when
// calibration was skipped.
func (m *Model) Threshold() (float64, bool) {
	if m.Calibration == nil {
		return 0, false
	}
	return m.Calibration.Threshold, true
}

// NewBackend reconstructs the generator this model was trained with. The
// runtime config contributes only the hardware credentials, which are never
// persisted; the executor override is for tests. The returned backend
// carries the trained parameters.
func (m *Model) NewBackend(rt config.TrainingConfig, exec generator.Executor) (generator.Backend, error) {
	cfg := m.Config
	cfg.HardwareURL = rt.HardwareURL
	cfg.HardwareToken = rt.HardwareToken

	backend, err := generator.New(cfg, m.FeatureDim, generator.Options{
		Rng:      rand.New(rand.NewSource(m.Config.Seed)),
		Bases:    m.Bases,
		Executor: exec,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct generator: %w", err)
	}
	if err := backend.SetParams(m.GeneratorParams); err != nil {
		return nil, fmt.Errorf("failed to restore generator parameters: %w", err)
	}
	return backend, nil
}

// Normalize scales a raw sample into [0, 1] with the training bounds.
// Constant columns map to 0.5; values outside the training range land
// outside [0, 1], which is exactly what makes them stand out.
func (m *Model) Normalize(sample []float64) ([]float64, error) {
	if len(sample) != m.FeatureDim {
		return nil, fmt.Errorf("sample has %d features, model expects %d", len(sample), m.FeatureDim)
	}
	out := make([]float64, len(sample))
	for i, v := range sample {
		span := m.Maxs[i] - m.Mins[i]
		if span == 0 {
			out[i] = 0.5
			continue
		}
		out[i] = (v - m.Mins[i]) / span
	}
	return out, nil
}
