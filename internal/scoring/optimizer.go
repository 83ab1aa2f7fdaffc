// Package scoring turns a trained generator into an anomaly detector. Each
// sample is scored by searching the latent space for the input the generator
// reproduces it best from; the residual reconstruction error is the anomaly
// score. A threshold calibrated on labeled data turns scores into verdicts.
package scoring

import (
	"context"
	"fmt"
	"math"

	"github.com/aristath/warden/internal/config"
	"github.com/aristath/warden/internal/generator"
	"github.com/aristath/warden/internal/nn"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// latentSearchRate is the Adam learning rate for the per-sample latent
// search. The search has a small step budget, so it runs much hotter than
// the training optimizer.
const latentSearchRate = 0.1

// LatentOptimizer scores single samples against a trained generator.
// Scoring never mutates the backend, so one optimizer may be shared across
// goroutines as long as the backend's Generate is safe for concurrent use
// (all built-in backends are).
type LatentOptimizer struct {
	backend    generator.Backend
	iterations int
	fdSettings *fd.Settings
}

// NewLatentOptimizer creates an optimizer with the iteration budget from the
// model's training configuration.
func NewLatentOptimizer(backend generator.Backend, cfg config.TrainingConfig) *LatentOptimizer {
	return &LatentOptimizer{
		backend:    backend,
		iterations: cfg.LatentIterations,
		fdSettings: &fd.Settings{Formula: fd.Central},
	}
}

// Score returns the anomaly score for one sample: the smallest squared
// reconstruction error seen while descending the latent space from the zero
// vector. Higher means more anomalous. The zero-vector start and the fixed
// iteration budget make the score a deterministic function of the sample
// and the model.
func (o *LatentOptimizer) Score(ctx context.Context, sample []float64) (float64, error) {
	_, score, err := o.Optimize(ctx, sample)
	return score, err
}

// Optimize runs the latent search for one sample and returns the best latent
// vector found alongside its reconstruction error. No state carries over
// between samples.
func (o *LatentOptimizer) Optimize(ctx context.Context, sample []float64) ([]float64, float64, error) {
	if len(sample) != o.backend.FeatureDim() {
		return nil, 0, fmt.Errorf("sample has %d features, model expects %d", len(sample), o.backend.FeatureDim())
	}

	var evalErr error
	loss := func(z []float64) float64 {
		if evalErr != nil {
			return math.NaN()
		}
		latent := mat.NewDense(1, len(z), append([]float64(nil), z...))
		out, err := o.backend.Generate(ctx, latent)
		if err != nil {
			evalErr = err
			return math.NaN()
		}
		total := 0.0
		for j := range sample {
			d := out.At(0, j) - sample[j]
			total += d * d
		}
		return total
	}

	z := make([]float64, o.backend.LatentDim())
	bestZ := make([]float64, len(z))
	best := loss(z)
	if evalErr != nil {
		return nil, 0, fmt.Errorf("generator execution failed: %w", evalErr)
	}

	opt := nn.NewAdam(len(z), latentSearchRate)
	for i := 0; i < o.iterations; i++ {
		grad := fd.Gradient(nil, loss, z, o.fdSettings)
		if evalErr != nil {
			return nil, 0, fmt.Errorf("generator execution failed: %w", evalErr)
		}
		if !allFinite(grad) {
			// The search went somewhere pathological; the running best
			// is still a valid score.
			break
		}
		opt.Step(z, grad)

		v := loss(z)
		if evalErr != nil {
			return nil, 0, fmt.Errorf("generator execution failed: %w", evalErr)
		}
		if v < best {
			best = v
			copy(bestZ, z)
		}
	}
	return bestZ, best, nil
}

func allFinite(vs []float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
