package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

func testNetwork(t *testing.T) *Network {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	n, err := New(rng,
		LayerSpec{In: 3, Out: 4, Activation: LeakyReLU},
		LayerSpec{In: 4, Out: 1, Activation: Linear},
	)
	require.NoError(t, err)
	return n
}

func TestNetwork_LayerSizeMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, err := New(rng,
		LayerSpec{In: 3, Out: 4, Activation: LeakyReLU},
		LayerSpec{In: 5, Out: 1, Activation: Linear},
	)
	require.Error(t, err)
}

func TestNetwork_ForwardShape(t *testing.T) {
	n := testNetwork(t)
	x := mat.NewDense(5, 3, nil)
	out := n.Forward(x)
	r, c := out.Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 1, c)
}

func TestNetwork_SetParamsRoundTrip(t *testing.T) {
	n := testNetwork(t)
	p := make([]float64, n.NumParams())
	for i := range p {
		p[i] = float64(i) * 0.01
	}
	require.NoError(t, n.SetParams(p))
	assert.Equal(t, p, n.Params())

	require.Error(t, n.SetParams(make([]float64, 3)), "wrong size must be rejected")
}

// Backprop parameter gradients must agree with finite differences of the
// scalar loss sum(output).
func TestNetwork_ParamGradientMatchesFiniteDifference(t *testing.T) {
	n := testNetwork(t)
	x := mat.NewDense(4, 3, []float64{
		0.1, -0.2, 0.3,
		0.5, 0.4, -0.1,
		-0.3, 0.2, 0.8,
		0.9, -0.6, 0.2,
	})
	ones := mat.NewDense(4, 1, []float64{1, 1, 1, 1})

	analytic, _ := n.Gradients(x, ones)

	orig := append([]float64(nil), n.Params()...)
	loss := func(p []float64) float64 {
		if err := n.SetParams(p); err != nil {
			t.Fatal(err)
		}
		out := n.Forward(x)
		sum := 0.0
		for i := 0; i < 4; i++ {
			sum += out.At(i, 0)
		}
		return sum
	}
	numeric := fd.Gradient(nil, loss, orig, &fd.Settings{Formula: fd.Central})
	require.NoError(t, n.SetParams(orig))

	require.Len(t, numeric, len(analytic))
	for i := range analytic {
		assert.InDelta(t, numeric[i], analytic[i], 1e-6, "param %d", i)
	}
}

func TestNetwork_InputGradientMatchesFiniteDifference(t *testing.T) {
	n := testNetwork(t)
	x := []float64{0.4, -0.7, 0.2}

	analytic := n.InputGradient(x)

	f := func(v []float64) float64 {
		return n.Forward(mat.NewDense(1, 3, v)).At(0, 0)
	}
	numeric := fd.Gradient(nil, f, x, &fd.Settings{Formula: fd.Central})

	for i := range analytic {
		assert.InDelta(t, numeric[i], analytic[i], 1e-6, "input %d", i)
	}
}

func TestNetwork_SigmoidOutputRange(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	n, err := New(rng,
		LayerSpec{In: 2, Out: 3, Activation: LeakyReLU},
		LayerSpec{In: 3, Out: 2, Activation: Sigmoid},
	)
	require.NoError(t, err)

	x := mat.NewDense(3, 2, []float64{-5, 9, 0, 0, 2, -3})
	out := n.Forward(x)
	for i := 0; i < 3; i++ {
		for j := 0; j < 2; j++ {
			v := out.At(i, j)
			assert.Greater(t, v, 0.0)
			assert.Less(t, v, 1.0)
		}
	}
}

// Adam on a simple quadratic must move parameters toward the minimum.
func TestAdam_ConvergesOnQuadratic(t *testing.T) {
	params := []float64{5, -3}
	opt := NewAdam(len(params), 0.1)

	for i := 0; i < 500; i++ {
		grad := []float64{2 * params[0], 2 * params[1]}
		opt.Step(params, grad)
	}

	assert.InDelta(t, 0, params[0], 0.05)
	assert.InDelta(t, 0, params[1], 0.05)
}
