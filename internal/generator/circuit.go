package generator

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"math/rand"

	"github.com/aristath/warden/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// maxQubits bounds the statevector size (2^12 amplitudes).
const maxQubits = 12

// rotation bases a circuit position can be assigned.
var rotationBases = []string{"X", "Y", "Z"}

// circuitSpec fully describes a parametrized circuit ansatz: one rotation
// gate per qubit per layer, with a per-position rotation axis fixed at
// construction, plus an entangling pattern selected by the backend kind.
type circuitSpec struct {
	qubits int
	depth  int
	kind   Kind
	bases  []string // length qubits*depth, each "X", "Y" or "Z"
}

func newCircuitSpec(kind Kind, qubits, depth int, bases []string, rng *rand.Rand) (circuitSpec, error) {
	if qubits < 1 || qubits > maxQubits {
		return circuitSpec{}, fmt.Errorf("qubit count %d outside [1, %d]", qubits, maxQubits)
	}
	want := qubits * depth
	if bases == nil && rng == nil {
		return circuitSpec{}, fmt.Errorf("either bases or an rng must be provided")
	}
	if bases == nil {
		bases = make([]string, want)
		for i := range bases {
			bases[i] = rotationBases[rng.Intn(len(rotationBases))]
		}
	}
	if len(bases) != want {
		return circuitSpec{}, fmt.Errorf("bases length %d does not match qubits*depth = %d", len(bases), want)
	}
	for i, b := range bases {
		if b != "X" && b != "Y" && b != "Z" {
			return circuitSpec{}, fmt.Errorf("invalid rotation basis %q at position %d", b, i)
		}
	}
	return circuitSpec{qubits: qubits, depth: depth, kind: kind, bases: bases}, nil
}

// numAngles returns the number of trainable rotation angles.
func (s circuitSpec) numAngles() int { return s.qubits * s.depth }

// expectations simulates the circuit for one latent vector and returns the
// per-qubit Z expectation values.
func (s circuitSpec) expectations(angles, latent []float64) []float64 {
	sv := newStatevector(s.qubits)

	// Angle-encode the latent vector: RY(pi * x) on each qubit.
	for q := 0; q < s.qubits; q++ {
		sv.applyRY(q, math.Pi*latent[q])
	}

	for l := 0; l < s.depth; l++ {
		for q := 0; q < s.qubits; q++ {
			theta := angles[l*s.qubits+q]
			switch s.bases[l*s.qubits+q] {
			case "X":
				sv.applyRX(q, theta)
			case "Y":
				sv.applyRY(q, theta)
			case "Z":
				sv.applyRZ(q, theta)
			}
		}
		s.entangle(sv, l)
	}

	out := make([]float64, s.qubits)
	for q := 0; q < s.qubits; q++ {
		out[q] = sv.expectZ(q)
	}
	return out
}

// entangle applies the entangling pattern for layer l. The ring variant
// entangles sparsely (every second layer, CZ ring); the chain variant
// entangles on every layer with a CNOT chain.
func (s circuitSpec) entangle(sv *statevector, l int) {
	if s.qubits < 2 {
		return
	}
	switch s.kind {
	case KindSimChain:
		for q := 0; q < s.qubits-1; q++ {
			sv.applyCNOT(q, q+1)
		}
	default: // ring ansatz, also used by the hardware backend
		if l%2 != 0 {
			return
		}
		for q := 0; q < s.qubits; q++ {
			sv.applyCZ(q, (q+1)%s.qubits)
		}
	}
}

// Simulated is a circuit generator evaluated on a local statevector
// simulator. Parameters are the rotation angles followed by the classical
// readout layer that maps Z expectations to feature space.
//
// Angles start at zero so the initial circuit is the identity; only the
// readout starts from random weights. This is the identity-block
// initialization strategy the original circuits used.
type Simulated struct {
	spec       circuitSpec
	featureDim int
	angles     []float64
	readout    *nn.Network
}

func newSimulated(kind Kind, latentDim, featureDim, depth int, bases []string, rng *rand.Rand) (*Simulated, error) {
	spec, err := newCircuitSpec(kind, latentDim, depth, bases, rng)
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", kind, err)
	}
	readout, err := nn.New(rng, nn.LayerSpec{In: latentDim, Out: featureDim, Activation: nn.Sigmoid})
	if err != nil {
		return nil, err
	}
	return &Simulated{
		spec:       spec,
		featureDim: featureDim,
		angles:     make([]float64, spec.numAngles()),
		readout:    readout,
	}, nil
}

func (g *Simulated) Kind() Kind      { return g.spec.kind }
func (g *Simulated) LatentDim() int  { return g.spec.qubits }
func (g *Simulated) FeatureDim() int { return g.featureDim }

// Bases returns the rotation axis assignment, persisted with the model so
// a reloaded circuit is identical to the trained one.
func (g *Simulated) Bases() []string {
	return append([]string(nil), g.spec.bases...)
}

func (g *Simulated) Params() []float64 {
	p := make([]float64, 0, len(g.angles)+g.readout.NumParams())
	p = append(p, g.angles...)
	p = append(p, g.readout.Params()...)
	return p
}

func (g *Simulated) SetParams(p []float64) error {
	want := len(g.angles) + g.readout.NumParams()
	if len(p) != want {
		return fmt.Errorf("parameter count mismatch: got %d, want %d", len(p), want)
	}
	copy(g.angles, p[:len(g.angles)])
	return g.readout.SetParams(p[len(g.angles):])
}

func (g *Simulated) Generate(_ context.Context, latents *mat.Dense) (*mat.Dense, error) {
	if err := checkLatents(latents, g.spec.qubits); err != nil {
		return nil, err
	}
	rows, _ := latents.Dims()
	expect := mat.NewDense(rows, g.spec.qubits, nil)
	for i := 0; i < rows; i++ {
		expect.SetRow(i, g.spec.expectations(g.angles, latents.RawRowView(i)))
	}
	return g.readout.Forward(expect), nil
}

// statevector is a dense complex amplitude vector over n qubits. Qubit q
// corresponds to bit q of the basis-state index.
type statevector struct {
	n   int
	amp []complex128
}

func newStatevector(n int) *statevector {
	amp := make([]complex128, 1<<uint(n))
	amp[0] = 1
	return &statevector{n: n, amp: amp}
}

// applyRY applies the single-qubit rotation RY(theta) to qubit q.
func (sv *statevector) applyRY(q int, theta float64) {
	c := complex(math.Cos(theta/2), 0)
	s := complex(math.Sin(theta/2), 0)
	sv.apply1(q, c, -s, s, c)
}

// applyRX applies RX(theta) to qubit q.
func (sv *statevector) applyRX(q int, theta float64) {
	c := complex(math.Cos(theta/2), 0)
	is := complex(0, -math.Sin(theta/2))
	sv.apply1(q, c, is, is, c)
}

// applyRZ applies RZ(theta) to qubit q.
func (sv *statevector) applyRZ(q int, theta float64) {
	e0 := cmplx.Exp(complex(0, -theta/2))
	e1 := cmplx.Exp(complex(0, theta/2))
	mask := 1 << uint(q)
	for i := range sv.amp {
		if i&mask == 0 {
			sv.amp[i] *= e0
		} else {
			sv.amp[i] *= e1
		}
	}
}

// apply1 applies the 2x2 unitary [[u00, u01], [u10, u11]] to qubit q.
func (sv *statevector) apply1(q int, u00, u01, u10, u11 complex128) {
	mask := 1 << uint(q)
	for i := range sv.amp {
		if i&mask != 0 {
			continue
		}
		j := i | mask
		a0, a1 := sv.amp[i], sv.amp[j]
		sv.amp[i] = u00*a0 + u01*a1
		sv.amp[j] = u10*a0 + u11*a1
	}
}

// applyCZ applies a controlled-Z between qubits a and b.
func (sv *statevector) applyCZ(a, b int) {
	mask := (1 << uint(a)) | (1 << uint(b))
	for i := range sv.amp {
		if i&mask == mask {
			sv.amp[i] = -sv.amp[i]
		}
	}
}

// applyCNOT applies a controlled-X with control c and target t.
func (sv *statevector) applyCNOT(c, t int) {
	cMask := 1 << uint(c)
	tMask := 1 << uint(t)
	for i := range sv.amp {
		if i&cMask != 0 && i&tMask == 0 {
			j := i | tMask
			sv.amp[i], sv.amp[j] = sv.amp[j], sv.amp[i]
		}
	}
}

// expectZ returns the Z expectation value of qubit q, in [-1, 1].
func (sv *statevector) expectZ(q int) float64 {
	mask := 1 << uint(q)
	sum := 0.0
	for i, a := range sv.amp {
		p := real(a)*real(a) + imag(a)*imag(a)
		if i&mask == 0 {
			sum += p
		} else {
			sum -= p
		}
	}
	return sum
}
