package scoring

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/aristath/warden/internal/config"
	"github.com/aristath/warden/internal/generator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testConfig(iterations int) config.TrainingConfig {
	return config.TrainingConfig{
		TrainingSteps:           10,
		LatentDim:               2,
		TotalDepth:              1,
		BatchSize:               4,
		DiscriminatorIterations: 1,
		GPWeight:                10,
		LatentIterations:        iterations,
		Backend:                 "classical",
		Seed:                    42,
		LearningRate:            0.0002,
	}
}

func testBackend(t *testing.T) generator.Backend {
	t.Helper()
	b, err := generator.New(testConfig(10), 3, generator.Options{Rng: rand.New(rand.NewSource(5))})
	require.NoError(t, err)
	return b
}

func TestLatentOptimizer_Deterministic(t *testing.T) {
	backend := testBackend(t)
	opt := NewLatentOptimizer(backend, testConfig(20))

	sample := []float64{0.3, 0.7, 0.5}
	zA, a, err := opt.Optimize(context.Background(), sample)
	require.NoError(t, err)
	zB, b, err := opt.Optimize(context.Background(), sample)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same sample and model must give the same score")
	assert.Equal(t, zA, zB, "same sample and model must give the same latent point")
}

func TestLatentOptimizer_MoreIterationsNeverWorsen(t *testing.T) {
	backend := testBackend(t)
	sample := []float64{0.9, 0.1, 0.8}

	short, err := NewLatentOptimizer(backend, testConfig(5)).Score(context.Background(), sample)
	require.NoError(t, err)
	long, err := NewLatentOptimizer(backend, testConfig(40)).Score(context.Background(), sample)
	require.NoError(t, err)

	assert.LessOrEqual(t, long, short, "the running best is monotone in the budget")
}

func TestLatentOptimizer_ReconstructableScoresLower(t *testing.T) {
	backend := testBackend(t)
	opt := NewLatentOptimizer(backend, testConfig(10))

	// A sample the generator emits exactly scores zero from the zero start.
	out, err := backend.Generate(context.Background(), mat.NewDense(1, 2, []float64{0, 0}))
	require.NoError(t, err)
	easy := []float64{out.At(0, 0), out.At(0, 1), out.At(0, 2)}

	easyScore, err := opt.Score(context.Background(), easy)
	require.NoError(t, err)
	assert.Zero(t, easyScore)

	// Far outside the generator's (0, 1) range: unreachable.
	farScore, err := opt.Score(context.Background(), []float64{5, 5, 5})
	require.NoError(t, err)
	assert.Greater(t, farScore, easyScore)
	assert.Greater(t, farScore, 16.0*3, "each feature misses by at least 4")
}

func TestLatentOptimizer_RejectsWrongWidth(t *testing.T) {
	opt := NewLatentOptimizer(testBackend(t), testConfig(10))
	_, err := opt.Score(context.Background(), []float64{0.5, 0.5})
	require.Error(t, err)
}

// brokenBackend fails every Generate call.
type brokenBackend struct {
	generator.Backend
}

func (b *brokenBackend) Generate(context.Context, *mat.Dense) (*mat.Dense, error) {
	return nil, errors.New("executor unreachable")
}

func TestLatentOptimizer_GeneratorFailureSurfaces(t *testing.T) {
	opt := NewLatentOptimizer(&brokenBackend{Backend: testBackend(t)}, testConfig(10))
	_, err := opt.Score(context.Background(), []float64{0.5, 0.5, 0.5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor unreachable")
}

func TestPool_MatchesSequentialScoring(t *testing.T) {
	backend := testBackend(t)
	opt := NewLatentOptimizer(backend, testConfig(8))
	pool := NewPool(opt, 3, zerolog.Nop())

	data := mat.NewDense(6, 3, []float64{
		0.1, 0.2, 0.3,
		0.9, 0.8, 0.7,
		0.5, 0.5, 0.5,
		0.2, 0.9, 0.4,
		0.7, 0.1, 0.6,
		0.4, 0.4, 0.8,
	})

	got, err := pool.ScoreAll(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, got, 6)

	for i := 0; i < 6; i++ {
		want, err := opt.Score(context.Background(), data.RawRowView(i))
		require.NoError(t, err)
		assert.Equal(t, want, got[i], "row %d must keep its slot", i)
	}
}

func TestPool_PropagatesSampleError(t *testing.T) {
	opt := NewLatentOptimizer(&brokenBackend{Backend: testBackend(t)}, testConfig(8))
	pool := NewPool(opt, 2, zerolog.Nop())

	_, err := pool.ScoreAll(context.Background(), mat.NewDense(4, 3, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample")
}

func TestPool_RejectsMismatchedWidth(t *testing.T) {
	pool := NewPool(NewLatentOptimizer(testBackend(t), testConfig(8)), 2, zerolog.Nop())

	_, err := pool.ScoreAll(context.Background(), mat.NewDense(2, 4, nil))
	require.Error(t, err)

	_, err = pool.ScoreAll(context.Background(), &mat.Dense{})
	require.Error(t, err)
}

func TestPool_HonorsCancellation(t *testing.T) {
	pool := NewPool(NewLatentOptimizer(testBackend(t), testConfig(100)), 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pool.ScoreAll(ctx, mat.NewDense(50, 3, nil))
	require.Error(t, err)
}
