package model

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/aristath/warden/internal/config"
	"github.com/aristath/warden/internal/generator"
	"github.com/aristath/warden/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testTrainingConfig(backend string, latentDim int) config.TrainingConfig {
	return config.TrainingConfig{
		TrainingSteps:           10,
		LatentDim:               latentDim,
		TotalDepth:              2,
		BatchSize:               4,
		DiscriminatorIterations: 1,
		GPWeight:                10,
		LatentIterations:        10,
		Backend:                 backend,
		Seed:                    42,
		LearningRate:            0.0002,
	}
}

func buildTestModel(t *testing.T, backend string, latentDim int) (*Model, generator.Backend) {
	t.Helper()
	cfg := testTrainingConfig(backend, latentDim)
	b, err := generator.New(cfg, 4, generator.Options{Rng: rand.New(rand.NewSource(11))})
	require.NoError(t, err)

	m := Build(cfg, b,
		[]string{"a", "b", "c", "d"},
		[]float64{0, 0, 1, 5},
		[]float64{1, 2, 1, 10})
	return m, b
}

func TestSaveLoad_RoundTripIsExact(t *testing.T) {
	m, backend := buildTestModel(t, "sim-ring", 3)
	m.Calibration = &scoring.Calibration{Threshold: 0.42, Metric: "f1", MetricValue: 0.9, Samples: 10, Anomalies: 3}
	path := filepath.Join(t.TempDir(), "model", "warden.model")

	require.NoError(t, Save(m, path))
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, m.ID, loaded.ID)
	assert.Equal(t, m.FeatureDim, loaded.FeatureDim)
	assert.Equal(t, m.Columns, loaded.Columns)
	assert.Equal(t, m.Mins, loaded.Mins)
	assert.Equal(t, m.Maxs, loaded.Maxs)
	assert.Equal(t, m.Config, loaded.Config)
	assert.Equal(t, m.Bases, loaded.Bases)
	assert.Equal(t, m.GeneratorParams, loaded.GeneratorParams, "parameters survive bit-exact")
	require.NotNil(t, loaded.Calibration)
	assert.Equal(t, m.Calibration.Threshold, loaded.Calibration.Threshold)

	// The reconstructed generator is a numerical drop-in.
	rebuilt, err := loaded.NewBackend(loaded.Config, nil)
	require.NoError(t, err)
	latents := mat.NewDense(2, 3, []float64{0.1, 0.5, 0.9, 0.3, 0.2, 0.7})
	want, err := backend.Generate(context.Background(), latents)
	require.NoError(t, err)
	got, err := rebuilt.Generate(context.Background(), latents)
	require.NoError(t, err)
	assert.True(t, mat.Equal(want, got), "reconstructed generator reproduces outputs exactly")
}

func TestSave_RefusesInvalidModel(t *testing.T) {
	m, _ := buildTestModel(t, "classical", 2)
	m.GeneratorParams = nil
	err := Save(m, filepath.Join(t.TempDir(), "bad.model"))
	require.Error(t, err)
}

func TestSave_CredentialsNeverPersist(t *testing.T) {
	m, _ := buildTestModel(t, "classical", 2)
	m.Config.HardwareURL = "https://circuits.example.com"
	m.Config.HardwareToken = "secret-token"
	path := filepath.Join(t.TempDir(), "warden.model")

	require.NoError(t, Save(m, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-token")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, loaded.Config.HardwareToken)
}

func TestLoad_MissingAndCorruptArtifacts(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.model")
	_, err := Load(missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), missing, "errors name the artifact path")

	corrupt := filepath.Join(t.TempDir(), "corrupt.model")
	require.NoError(t, os.WriteFile(corrupt, []byte("not msgpack at all"), 0644))
	_, err = Load(corrupt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), corrupt)
}

func TestEnsureCompatible(t *testing.T) {
	m, _ := buildTestModel(t, "classical", 5)

	rt := testTrainingConfig("classical", 3)
	err := m.EnsureCompatible(rt)
	require.ErrorIs(t, err, ErrConfigMismatch, "trained with 5 latent dims, asked for 3")

	rt = testTrainingConfig("sim-chain", 5)
	require.ErrorIs(t, m.EnsureCompatible(rt), ErrConfigMismatch)

	rt = testTrainingConfig("classical", 5)
	rt.TotalDepth = 7
	require.ErrorIs(t, m.EnsureCompatible(rt), ErrConfigMismatch)

	require.NoError(t, m.EnsureCompatible(testTrainingConfig("classical", 5)))
	require.NoError(t, m.EnsureCompatible(testTrainingConfig("classical", 0)),
		"latent dimension 0 defers to the model")
}

func TestNormalize(t *testing.T) {
	m, _ := buildTestModel(t, "classical", 2)
	// Bounds: [0,1], [0,2], [1,1] (constant), [5,10].

	out, err := m.Normalize([]float64{0.5, 1, 3, 5})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, out[0], 1e-12)
	assert.InDelta(t, 0.5, out[1], 1e-12)
	assert.Equal(t, 0.5, out[2], "constant column maps to 0.5")
	assert.InDelta(t, 0.0, out[3], 1e-12)

	out, err = m.Normalize([]float64{2, -2, 1, 20})
	require.NoError(t, err)
	assert.Greater(t, out[0], 1.0, "out-of-range values land outside [0, 1]")
	assert.Less(t, out[1], 0.0)

	_, err = m.Normalize([]float64{1, 2})
	require.Error(t, err)
}

func TestThreshold(t *testing.T) {
	m, _ := buildTestModel(t, "classical", 2)
	_, ok := m.Threshold()
	assert.False(t, ok, "uncalibrated model has no threshold")

	m.Calibration = &scoring.Calibration{Threshold: 1.5}
	thr, ok := m.Threshold()
	assert.True(t, ok)
	assert.Equal(t, 1.5, thr)
}
