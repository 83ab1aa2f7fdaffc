// Package nn implements the small dense networks used by the adversarial
// trainer: the Wasserstein critic and the classical generator blocks.
//
// Parameters live in a single flat []float64 so optimizers, persistence and
// finite-difference probing all operate on one representation. Layout is
// per layer: weights in row-major [out][in] order, then biases.
package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Activation identifies a layer activation function.
type Activation int

const (
	// Linear applies no activation. Used for the critic output so scores
	// stay unbounded, as the Wasserstein formulation requires.
	Linear Activation = iota
	// LeakyReLU with slope 0.2 on the negative side.
	LeakyReLU
	// Sigmoid squashes into (0, 1), matching min-max normalized features.
	Sigmoid
)

const leakySlope = 0.2

// LayerSpec describes one fully connected layer.
type LayerSpec struct {
	In         int
	Out        int
	Activation Activation
}

// Network is a fully connected feed-forward network over float64.
type Network struct {
	specs  []LayerSpec
	params []float64
}

// New builds a network with the given layers. Weights are initialized with
// scaled normal draws from rng (He-style, matching the LeakyReLU hidden
// activations), biases with zero.
func New(rng *rand.Rand, specs ...LayerSpec) (*Network, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("network needs at least one layer")
	}
	for i := 1; i < len(specs); i++ {
		if specs[i].In != specs[i-1].Out {
			return nil, fmt.Errorf("layer %d input size %d does not match previous output %d",
				i, specs[i].In, specs[i-1].Out)
		}
	}

	n := &Network{specs: specs}
	n.params = make([]float64, n.NumParams())

	ofs := 0
	for _, spec := range specs {
		scale := math.Sqrt(2.0 / float64(spec.In))
		for i := 0; i < spec.In*spec.Out; i++ {
			n.params[ofs+i] = rng.NormFloat64() * scale
		}
		ofs += spec.In*spec.Out + spec.Out
	}
	return n, nil
}

// NumParams returns the total parameter count.
func (n *Network) NumParams() int {
	total := 0
	for _, spec := range n.specs {
		total += spec.In*spec.Out + spec.Out
	}
	return total
}

// InputDim returns the expected input width.
func (n *Network) InputDim() int { return n.specs[0].In }

// OutputDim returns the output width.
func (n *Network) OutputDim() int { return n.specs[len(n.specs)-1].Out }

// Params returns the live parameter slice. Callers that mutate it change
// the network; copy before handing it out of the training loop.
func (n *Network) Params() []float64 { return n.params }

// SetParams replaces all parameters.
func (n *Network) SetParams(p []float64) error {
	if len(p) != len(n.params) {
		return fmt.Errorf("parameter count mismatch: got %d, want %d", len(p), len(n.params))
	}
	copy(n.params, p)
	return nil
}

// layer returns weight and bias views for layer l at the given offset.
func (n *Network) layer(l, ofs int) (w *mat.Dense, b []float64) {
	spec := n.specs[l]
	w = mat.NewDense(spec.Out, spec.In, n.params[ofs:ofs+spec.Out*spec.In])
	b = n.params[ofs+spec.Out*spec.In : ofs+spec.Out*spec.In+spec.Out]
	return w, b
}

// Forward computes the network output for a batch X (rows = samples).
func (n *Network) Forward(x *mat.Dense) *mat.Dense {
	out, _ := n.forward(x)
	return out
}

// forward runs the batch through all layers, returning the output and the
// cached activations (including the input) needed for backprop.
func (n *Network) forward(x *mat.Dense) (*mat.Dense, []*mat.Dense) {
	rows, cols := x.Dims()
	if cols != n.InputDim() {
		panic(fmt.Sprintf("nn: input width %d, network expects %d", cols, n.InputDim()))
	}

	acts := make([]*mat.Dense, 0, len(n.specs)+1)
	acts = append(acts, x)

	cur := x
	ofs := 0
	for l, spec := range n.specs {
		w, b := n.layer(l, ofs)
		ofs += spec.Out*spec.In + spec.Out

		z := mat.NewDense(rows, spec.Out, nil)
		z.Mul(cur, w.T())
		for i := 0; i < rows; i++ {
			for j := 0; j < spec.Out; j++ {
				v := z.At(i, j) + b[j]
				z.Set(i, j, activate(spec.Activation, v))
			}
		}
		acts = append(acts, z)
		cur = z
	}
	return cur, acts
}

// Gradients backpropagates outGrad (dLoss/dOutput, rows = samples) through
// the network. It returns the parameter gradient summed over the batch and
// the per-sample gradient with respect to the input.
func (n *Network) Gradients(x, outGrad *mat.Dense) (paramGrad []float64, inputGrad *mat.Dense) {
	rows, _ := x.Dims()
	out, acts := n.forward(x)
	or, oc := outGrad.Dims()
	if r, c := out.Dims(); or != r || oc != c {
		panic(fmt.Sprintf("nn: outGrad is %dx%d, output is %dx%d", or, oc, r, c))
	}

	paramGrad = make([]float64, len(n.params))

	// delta holds dLoss/dActivation of the current layer.
	delta := mat.DenseCopyOf(outGrad)

	ofs := len(n.params)
	for l := len(n.specs) - 1; l >= 0; l-- {
		spec := n.specs[l]
		ofs -= spec.Out*spec.In + spec.Out
		w, _ := n.layer(l, ofs)
		post := acts[l+1] // activated output of this layer
		pre := acts[l]    // input to this layer

		// Convert to dLoss/dZ using the activation derivative, which for
		// both supported activations is expressible in the output value.
		for i := 0; i < rows; i++ {
			for j := 0; j < spec.Out; j++ {
				delta.Set(i, j, delta.At(i, j)*activateDeriv(spec.Activation, post.At(i, j)))
			}
		}

		// Weight gradient: deltaᵀ · input, row-major [out][in].
		wGrad := mat.NewDense(spec.Out, spec.In, paramGrad[ofs:ofs+spec.Out*spec.In])
		wGrad.Mul(delta.T(), pre)

		// Bias gradient: column sums of delta.
		bGrad := paramGrad[ofs+spec.Out*spec.In : ofs+spec.Out*spec.In+spec.Out]
		for i := 0; i < rows; i++ {
			for j := 0; j < spec.Out; j++ {
				bGrad[j] += delta.At(i, j)
			}
		}

		// Propagate to the previous layer: delta · W.
		prev := mat.NewDense(rows, spec.In, nil)
		prev.Mul(delta, w)
		delta = prev
	}

	return paramGrad, delta
}

// InputGradient returns the gradient of the scalar network output with
// respect to a single input vector. Panics if the output is not scalar.
func (n *Network) InputGradient(x []float64) []float64 {
	if n.OutputDim() != 1 {
		panic("nn: InputGradient requires a scalar-output network")
	}
	xm := mat.NewDense(1, len(x), x)
	ones := mat.NewDense(1, 1, []float64{1})
	_, inGrad := n.Gradients(xm, ones)
	return inGrad.RawRowView(0)
}

func activate(a Activation, v float64) float64 {
	switch a {
	case LeakyReLU:
		if v < 0 {
			return leakySlope * v
		}
		return v
	case Sigmoid:
		return 1.0 / (1.0 + math.Exp(-v))
	default:
		return v
	}
}

// activateDeriv computes the activation derivative from the activated
// value. LeakyReLU output sign matches input sign, so the post-activation
// value is enough to pick the branch.
func activateDeriv(a Activation, post float64) float64 {
	switch a {
	case LeakyReLU:
		if post < 0 {
			return leakySlope
		}
		return 1
	case Sigmoid:
		return post * (1 - post)
	default:
		return 1
	}
}
