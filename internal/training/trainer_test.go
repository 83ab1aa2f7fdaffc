package training

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/aristath/warden/internal/config"
	"github.com/aristath/warden/internal/generator"
	"github.com/aristath/warden/internal/nn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testConfig() config.TrainingConfig {
	return config.TrainingConfig{
		TrainingSteps:           3,
		LatentDim:               2,
		TotalDepth:              1,
		BatchSize:               4,
		DiscriminatorIterations: 1,
		GPWeight:                10,
		LatentIterations:        10,
		Backend:                 "classical",
		Seed:                    42,
		LearningRate:            0.0002,
	}
}

func testData() *mat.Dense {
	rng := rand.New(rand.NewSource(100))
	data := mat.NewDense(32, 3, nil)
	for i := 0; i < 32; i++ {
		for j := 0; j < 3; j++ {
			data.Set(i, j, 0.5+0.1*rng.NormFloat64())
		}
	}
	return data
}

func newTestTrainer(t *testing.T, cfg config.TrainingConfig, seed int64) (*Trainer, generator.Backend) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	backend, err := generator.New(cfg, 3, generator.Options{Rng: rng})
	require.NoError(t, err)
	tr, err := New(cfg, backend, rng, zerolog.Nop())
	require.NoError(t, err)
	return tr, backend
}

func TestTrainer_RunUpdatesParameters(t *testing.T) {
	cfg := testConfig()
	tr, backend := newTestTrainer(t, cfg, 1)
	before := backend.Params()

	res, err := tr.Run(context.Background(), testData())
	require.NoError(t, err)
	assert.Equal(t, cfg.TrainingSteps, res.Steps)

	after := backend.Params()
	changed := false
	for i := range before {
		if before[i] != after[i] {
			changed = true
			break
		}
	}
	assert.True(t, changed, "training must move generator parameters")
	for i, v := range after {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "param %d must stay finite", i)
	}
}

func TestTrainer_DeterministicGivenSeed(t *testing.T) {
	cfg := testConfig()

	tr1, b1 := newTestTrainer(t, cfg, 7)
	_, err := tr1.Run(context.Background(), testData())
	require.NoError(t, err)

	tr2, b2 := newTestTrainer(t, cfg, 7)
	_, err = tr2.Run(context.Background(), testData())
	require.NoError(t, err)

	p1, p2 := b1.Params(), b2.Params()
	require.Len(t, p2, len(p1))
	for i := range p1 {
		assert.InDelta(t, p1[i], p2[i], 1e-12, "param %d", i)
	}
}

func TestTrainer_RejectsShapeMismatch(t *testing.T) {
	tr, _ := newTestTrainer(t, testConfig(), 1)
	_, err := tr.Run(context.Background(), mat.NewDense(4, 5, nil))
	require.Error(t, err)

	_, err = tr.Run(context.Background(), &mat.Dense{})
	require.Error(t, err, "empty data rejected")
}

// A critic whose input gradient has unit norm everywhere makes the penalty
// vanish when real and fake coincide: the interpolates are the same points
// and their gradient norm is already 1.
func TestGradientPenalty_ZeroForUnitGradientCritic(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	critic, err := nn.New(rng, nn.LayerSpec{In: 2, Out: 1, Activation: nn.Linear})
	require.NoError(t, err)
	// D(x) = w . x with ||w|| = 1 and zero bias.
	require.NoError(t, critic.SetParams([]float64{3.0 / 5.0, 4.0 / 5.0, 0}))

	tr := &Trainer{critic: critic, rng: rng, cfg: testConfig()}

	batch := mat.NewDense(3, 2, []float64{0.1, 0.9, 0.5, 0.5, 0.7, 0.2})
	interp := tr.interpolate(batch, batch)
	assert.True(t, mat.EqualApprox(batch, interp, 1e-15),
		"interpolating a batch with itself is the identity")
	assert.InDelta(t, 0.0, tr.gradientPenalty(interp), 1e-12)
}

func TestGradientPenalty_PenalizesOffUnitNorm(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	critic, err := nn.New(rng, nn.LayerSpec{In: 2, Out: 1, Activation: nn.Linear})
	require.NoError(t, err)
	// Gradient norm is 2 everywhere: penalty (2-1)^2 = 1.
	require.NoError(t, critic.SetParams([]float64{2, 0, 0}))

	tr := &Trainer{critic: critic, rng: rng, cfg: testConfig()}
	interp := mat.NewDense(2, 2, []float64{0.4, 0.6, 0.1, 0.2})
	assert.InDelta(t, 1.0, tr.gradientPenalty(interp), 1e-12)
}

// failingBackend errors on the first n Generate calls.
type failingBackend struct {
	generator.Backend
	failures int
	calls    int
}

func (f *failingBackend) Generate(ctx context.Context, latents *mat.Dense) (*mat.Dense, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("backend timeout")
	}
	return f.Backend.Generate(ctx, latents)
}

func TestTrainer_BackendFailureAbortsWithoutRetryBudget(t *testing.T) {
	cfg := testConfig()
	rng := rand.New(rand.NewSource(4))
	inner, err := generator.New(cfg, 3, generator.Options{Rng: rng})
	require.NoError(t, err)
	backend := &failingBackend{Backend: inner, failures: 1}

	tr, err := New(cfg, backend, rng, zerolog.Nop())
	require.NoError(t, err)

	_, err = tr.Run(context.Background(), testData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1")
}

func TestTrainer_BackendFailureRetriedWithinBudget(t *testing.T) {
	cfg := testConfig()
	cfg.TrainingSteps = 2
	rng := rand.New(rand.NewSource(4))
	inner, err := generator.New(cfg, 3, generator.Options{Rng: rng})
	require.NoError(t, err)
	backend := &failingBackend{Backend: inner, failures: 1}

	tr, err := New(cfg, backend, rng, zerolog.Nop())
	require.NoError(t, err)
	tr.MaxStepRetries = 2

	_, err = tr.Run(context.Background(), testData())
	require.NoError(t, err, "one transient failure fits in the retry budget")
}

// nanBackend produces non-finite output, which must abort the step before
// any parameter update.
type nanBackend struct {
	generator.Backend
}

func (n *nanBackend) Generate(_ context.Context, latents *mat.Dense) (*mat.Dense, error) {
	rows, _ := latents.Dims()
	out := mat.NewDense(rows, n.FeatureDim(), nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < n.FeatureDim(); j++ {
			out.Set(i, j, math.NaN())
		}
	}
	return out, nil
}

func TestTrainer_NaNAbortsStep(t *testing.T) {
	cfg := testConfig()
	rng := rand.New(rand.NewSource(4))
	inner, err := generator.New(cfg, 3, generator.Options{Rng: rng})
	require.NoError(t, err)

	tr, err := New(cfg, &nanBackend{Backend: inner}, rng, zerolog.Nop())
	require.NoError(t, err)
	criticBefore := append([]float64(nil), tr.Critic().Params()...)

	_, err = tr.Run(context.Background(), testData())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-finite")
	assert.Equal(t, criticBefore, tr.Critic().Params(),
		"aborted step must not touch critic parameters")
}
