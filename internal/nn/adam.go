package nn

import "math"

// Adam implements the Adam update rule with the WGAN-friendly defaults the
// original system trained with (lr 0.0002, beta1 0.5).
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	m []float64
	v []float64
	t int
}

// NewAdam creates an optimizer for a parameter vector of the given size.
func NewAdam(size int, learningRate float64) *Adam {
	return &Adam{
		LearningRate: learningRate,
		Beta1:        0.5,
		Beta2:        0.999,
		Epsilon:      1e-8,
		m:            make([]float64, size),
		v:            make([]float64, size),
	}
}

// Step applies one in-place Adam update to params given the gradient.
func (a *Adam) Step(params, grad []float64) {
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, g := range grad {
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*g
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*g*g
		mHat := a.m[i] / c1
		vHat := a.v[i] / c2
		params[i] -= a.LearningRate * mHat / (math.Sqrt(vHat) + a.Epsilon)
	}
}
