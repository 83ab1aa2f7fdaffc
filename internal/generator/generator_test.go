package generator

import (
	"context"
	"math/rand"
	"testing"

	"github.com/aristath/warden/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testTrainingConfig() config.TrainingConfig {
	return config.TrainingConfig{
		TrainingSteps:           10,
		LatentDim:               0, // derive from feature count
		TotalDepth:              2,
		BatchSize:               4,
		DiscriminatorIterations: 1,
		GPWeight:                10,
		LatentIterations:        10,
		Backend:                 "classical",
		Seed:                    42,
		LearningRate:            0.0002,
	}
}

func TestClassical_GenerateShapeAndRange(t *testing.T) {
	g, err := newClassical(2, 5, 3, rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	latents := mat.NewDense(4, 2, []float64{0.1, 0.2, -1.5, 0.9, 0, 0, 2.2, -0.3})
	out, err := g.Generate(context.Background(), latents)
	require.NoError(t, err)

	rows, cols := out.Dims()
	require.Equal(t, 4, rows)
	require.Equal(t, 5, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := out.At(i, j)
			assert.Greater(t, v, 0.0, "sigmoid output stays in (0, 1)")
			assert.Less(t, v, 1.0)
		}
	}
}

func TestClassical_SetParamsChangesOutput(t *testing.T) {
	g, err := newClassical(2, 3, 1, rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	latents := mat.NewDense(1, 2, []float64{0.5, 0.5})
	before, err := g.Generate(context.Background(), latents)
	require.NoError(t, err)

	p := g.Params()
	for i := range p {
		p[i] += 0.5
	}
	require.NoError(t, g.SetParams(p))

	after, err := g.Generate(context.Background(), latents)
	require.NoError(t, err)
	assert.False(t, mat.EqualApprox(before, after, 1e-9), "parameter change must alter output")
}

func TestNew_RequiresRng(t *testing.T) {
	_, err := New(testTrainingConfig(), 6, Options{})
	require.Error(t, err)
}

func TestParseKind(t *testing.T) {
	for _, valid := range []string{"classical", "sim-ring", "sim-chain", "hardware"} {
		k, err := ParseKind(valid)
		require.NoError(t, err)
		assert.Equal(t, Kind(valid), k)
	}
	_, err := ParseKind("tensor-network")
	require.ErrorIs(t, err, ErrUnknownKind)
}
