package generator

import (
	"context"
	"math/rand"

	"github.com/aristath/warden/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// hiddenWidth is the width of each classical generator block, matching the
// original network layout.
const hiddenWidth = 9

// Classical is a dense-network generator: TotalDepth blocks of
// Dense(9) + LeakyReLU followed by a sigmoid output layer.
//
// The original design also batch-normalized each block. That is dropped
// here: batch statistics make Generate depend on batch composition, which
// breaks the per-sample determinism the latent optimizer relies on.
type Classical struct {
	latentDim  int
	featureDim int
	net        *nn.Network
}

func newClassical(latentDim, featureDim, depth int, rng *rand.Rand) (*Classical, error) {
	specs := make([]nn.LayerSpec, 0, depth+1)
	in := latentDim
	for i := 0; i < depth; i++ {
		specs = append(specs, nn.LayerSpec{In: in, Out: hiddenWidth, Activation: nn.LeakyReLU})
		in = hiddenWidth
	}
	specs = append(specs, nn.LayerSpec{In: in, Out: featureDim, Activation: nn.Sigmoid})

	net, err := nn.New(rng, specs...)
	if err != nil {
		return nil, err
	}
	return &Classical{latentDim: latentDim, featureDim: featureDim, net: net}, nil
}

func (c *Classical) Kind() Kind      { return KindClassical }
func (c *Classical) LatentDim() int  { return c.latentDim }
func (c *Classical) FeatureDim() int { return c.featureDim }

func (c *Classical) Params() []float64 {
	return append([]float64(nil), c.net.Params()...)
}

func (c *Classical) SetParams(p []float64) error {
	return c.net.SetParams(p)
}

func (c *Classical) Generate(_ context.Context, latents *mat.Dense) (*mat.Dense, error) {
	if err := checkLatents(latents, c.latentDim); err != nil {
		return nil, err
	}
	return c.net.Forward(latents), nil
}
