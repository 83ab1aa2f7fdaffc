package generator

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/aristath/warden/internal/nn"
	"gonum.org/v1/gonum/mat"
)

// Executor runs a parametrized circuit batch on an execution substrate and
// returns per-sample Z expectation values. The hardware backend delegates
// to it; tests substitute LocalExecutor for a network-free deterministic
// run.
type Executor interface {
	ExpectationBatch(ctx context.Context, job CircuitJob) ([][]float64, error)
}

// CircuitJob describes one execution request: the ansatz, its current
// angles and the latent batch to encode.
type CircuitJob struct {
	Qubits  int         `json:"qubits"`
	Depth   int         `json:"depth"`
	Ansatz  string      `json:"ansatz"` // entangler selection, "sim-ring" or "sim-chain"
	Bases   []string    `json:"bases"`
	Angles  []float64   `json:"angles"`
	Latents [][]float64 `json:"latents"`
}

const (
	hardwareMaxAttempts = 3
	hardwareBaseDelay   = 2 * time.Second
)

// Hardware runs the ring-ansatz circuit through a remote Executor. It is a
// drop-in replacement for the sim-ring backend: same ansatz, same parameter
// layout, same readout; only the execution substrate differs. Transient
// executor failures are retried with exponential backoff; exhausting the
// attempts surfaces the last error.
type Hardware struct {
	spec       circuitSpec
	featureDim int
	angles     []float64
	readout    *nn.Network
	executor   Executor

	maxAttempts int
	baseDelay   time.Duration
}

func newHardware(latentDim, featureDim, depth int, bases []string, rng *rand.Rand, exec Executor) (*Hardware, error) {
	spec, err := newCircuitSpec(KindSimRing, latentDim, depth, bases, rng)
	if err != nil {
		return nil, fmt.Errorf("hardware backend: %w", err)
	}
	readout, err := nn.New(rng, nn.LayerSpec{In: latentDim, Out: featureDim, Activation: nn.Sigmoid})
	if err != nil {
		return nil, err
	}
	return &Hardware{
		spec:        spec,
		featureDim:  featureDim,
		angles:      make([]float64, spec.numAngles()),
		readout:     readout,
		executor:    exec,
		maxAttempts: hardwareMaxAttempts,
		baseDelay:   hardwareBaseDelay,
	}, nil
}

func (g *Hardware) Kind() Kind      { return KindHardware }
func (g *Hardware) LatentDim() int  { return g.spec.qubits }
func (g *Hardware) FeatureDim() int { return g.featureDim }

// Bases returns the rotation axis assignment for persistence.
func (g *Hardware) Bases() []string {
	return append([]string(nil), g.spec.bases...)
}

func (g *Hardware) Params() []float64 {
	p := make([]float64, 0, len(g.angles)+g.readout.NumParams())
	p = append(p, g.angles...)
	p = append(p, g.readout.Params()...)
	return p
}

func (g *Hardware) SetParams(p []float64) error {
	want := len(g.angles) + g.readout.NumParams()
	if len(p) != want {
		return fmt.Errorf("parameter count mismatch: got %d, want %d", len(p), want)
	}
	copy(g.angles, p[:len(g.angles)])
	return g.readout.SetParams(p[len(g.angles):])
}

func (g *Hardware) Generate(ctx context.Context, latents *mat.Dense) (*mat.Dense, error) {
	if err := checkLatents(latents, g.spec.qubits); err != nil {
		return nil, err
	}
	rows, _ := latents.Dims()

	job := CircuitJob{
		Qubits: g.spec.qubits,
		Depth:  g.spec.depth,
		Ansatz: string(KindSimRing),
		Bases:  g.spec.bases,
		Angles: append([]float64(nil), g.angles...),
	}
	job.Latents = make([][]float64, rows)
	for i := 0; i < rows; i++ {
		job.Latents[i] = latents.RawRowView(i)
	}

	expectations, err := g.executeWithRetry(ctx, job)
	if err != nil {
		return nil, err
	}
	if len(expectations) != rows {
		return nil, fmt.Errorf("executor returned %d rows, expected %d", len(expectations), rows)
	}

	expect := mat.NewDense(rows, g.spec.qubits, nil)
	for i, row := range expectations {
		if len(row) != g.spec.qubits {
			return nil, fmt.Errorf("executor row %d has %d expectations, expected %d", i, len(row), g.spec.qubits)
		}
		expect.SetRow(i, row)
	}
	return g.readout.Forward(expect), nil
}

func (g *Hardware) executeWithRetry(ctx context.Context, job CircuitJob) ([][]float64, error) {
	var lastErr error
	delay := g.baseDelay
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		result, err := g.executor.ExpectationBatch(ctx, job)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == g.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("circuit execution failed after %d attempts: %w", g.maxAttempts, lastErr)
}

// LocalExecutor evaluates circuit jobs on the in-process statevector
// simulator. It stands in for the remote service in tests and lets the
// hardware code path run without credentials or network access.
type LocalExecutor struct{}

func (LocalExecutor) ExpectationBatch(_ context.Context, job CircuitJob) ([][]float64, error) {
	spec, err := newCircuitSpec(Kind(job.Ansatz), job.Qubits, job.Depth, job.Bases, nil)
	if err != nil {
		return nil, err
	}
	if len(job.Angles) != spec.numAngles() {
		return nil, fmt.Errorf("job has %d angles, ansatz needs %d", len(job.Angles), spec.numAngles())
	}
	out := make([][]float64, len(job.Latents))
	for i, latent := range job.Latents {
		if len(latent) != job.Qubits {
			return nil, fmt.Errorf("latent row %d has width %d, expected %d", i, len(latent), job.Qubits)
		}
		out[i] = spec.expectations(job.Angles, latent)
	}
	return out, nil
}
