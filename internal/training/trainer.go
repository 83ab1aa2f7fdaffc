// Package training implements the adversarial training loop: a Wasserstein
// GAN with gradient penalty over a pluggable generator backend and a
// classical critic.
package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/aristath/warden/internal/config"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/generator"
	"github.com/aristath/warden/internal/nn"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// unstableError marks a step aborted because a loss or gradient went
// non-finite. Parameters are left untouched when this happens.
type unstableError struct{ what string }

func (e *unstableError) Error() string {
	return fmt.Sprintf("numerical instability: non-finite %s", e.what)
}

// Result summarizes a completed training run.
type Result struct {
	Steps      int
	FinalDLoss float64
	FinalGLoss float64
	FinalGP    float64
	Duration   time.Duration
}

// Trainer runs the WGAN-GP loop. Critic gradients for the Wasserstein term
// are analytic; the gradient penalty's dependence on critic weights and all
// generator parameter gradients use central finite differences, which treat
// the generator as a black box and therefore work unchanged for classical,
// simulated and hardware backends.
type Trainer struct {
	cfg     config.TrainingConfig
	backend generator.Backend
	critic  *nn.Network
	rng     *rand.Rand
	log     zerolog.Logger

	dOpt *nn.Adam
	gOpt *nn.Adam

	// MaxStepRetries is how many times a failed step is retried before the
	// run aborts. Zero means fail fast; the hardware backend is usually
	// given a small budget for transient executor trouble.
	MaxStepRetries int

	// Bus receives a StepEvent per completed step when set.
	Bus *events.Bus
	// RunID tags published events.
	RunID string

	fdSettings *fd.Settings
}

// New creates a trainer for the given backend. The critic layout follows
// the original system: featureDim -> featureDim -> featureDim/2 ->
// featureDim/2 -> 1 with LeakyReLU hidden activations and a linear output.
func New(cfg config.TrainingConfig, backend generator.Backend, rng *rand.Rand, log zerolog.Logger) (*Trainer, error) {
	f := backend.FeatureDim()
	half := f / 2
	if half < 1 {
		half = 1
	}
	critic, err := nn.New(rng,
		nn.LayerSpec{In: f, Out: f, Activation: nn.LeakyReLU},
		nn.LayerSpec{In: f, Out: half, Activation: nn.LeakyReLU},
		nn.LayerSpec{In: half, Out: half, Activation: nn.LeakyReLU},
		nn.LayerSpec{In: half, Out: 1, Activation: nn.Linear},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build critic: %w", err)
	}

	return &Trainer{
		cfg:        cfg,
		backend:    backend,
		critic:     critic,
		rng:        rng,
		log:        log.With().Str("module", "training").Logger(),
		dOpt:       nn.NewAdam(critic.NumParams(), cfg.LearningRate),
		gOpt:       nn.NewAdam(len(backend.Params()), cfg.LearningRate),
		fdSettings: &fd.Settings{Formula: fd.Central},
	}, nil
}

// Critic exposes the discriminator network (training diagnostics, tests).
func (t *Trainer) Critic() *nn.Network { return t.critic }

// Run executes cfg.TrainingSteps adversarial steps over the training data
// (rows = samples). On success the backend holds the trained generator
// parameters; the critic is discarded by the caller.
func (t *Trainer) Run(ctx context.Context, data *mat.Dense) (*Result, error) {
	rows, cols := data.Dims()
	if rows == 0 {
		return nil, fmt.Errorf("training data is empty")
	}
	if cols != t.backend.FeatureDim() {
		return nil, fmt.Errorf("training data has %d features, backend expects %d", cols, t.backend.FeatureDim())
	}

	start := time.Now()
	res := &Result{}

	for step := 1; step <= t.cfg.TrainingSteps; step++ {
		var (
			dLoss, gLoss, gp float64
			err              error
		)
		for attempt := 0; ; attempt++ {
			dLoss, gLoss, gp, err = t.step(ctx, data)
			if err == nil {
				break
			}
			if attempt >= t.MaxStepRetries {
				return nil, fmt.Errorf("training step %d failed: %w", step, err)
			}
			t.log.Warn().Err(err).Int("step", step).Int("attempt", attempt+1).
				Msg("Training step failed, retrying")
		}

		res.Steps = step
		res.FinalDLoss = dLoss
		res.FinalGLoss = gLoss
		res.FinalGP = gp

		if t.Bus != nil {
			t.Bus.Publish(events.StepEvent{
				RunID:       t.RunID,
				Step:        step,
				TotalSteps:  t.cfg.TrainingSteps,
				DLoss:       dLoss,
				GLoss:       gLoss,
				GradPenalty: gp,
				Elapsed:     time.Since(start),
			})
		}
		if step%100 == 0 || step == t.cfg.TrainingSteps {
			t.log.Info().Int("step", step).
				Float64("d_loss", dLoss).
				Float64("g_loss", gLoss).
				Float64("grad_penalty", gp).
				Msg("Training progress")
		}
	}

	res.Duration = time.Since(start)
	t.log.Info().Int("steps", res.Steps).Dur("duration", res.Duration).Msg("Training completed")
	return res, nil
}

// step runs one full training iteration: discriminatorIterations critic
// updates followed by one generator update.
func (t *Trainer) step(ctx context.Context, data *mat.Dense) (dLoss, gLoss, gp float64, err error) {
	realBatch := t.sampleRealBatch(data)

	for i := 0; i < t.cfg.DiscriminatorIterations; i++ {
		dLoss, gp, err = t.criticUpdate(ctx, realBatch)
		if err != nil {
			return 0, 0, 0, err
		}
	}

	gLoss, err = t.generatorUpdate(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	return dLoss, gLoss, gp, nil
}

// sampleRealBatch draws batchSize rows uniformly with replacement.
func (t *Trainer) sampleRealBatch(data *mat.Dense) *mat.Dense {
	rows, cols := data.Dims()
	batch := mat.NewDense(t.cfg.BatchSize, cols, nil)
	for i := 0; i < t.cfg.BatchSize; i++ {
		batch.SetRow(i, data.RawRowView(t.rng.Intn(rows)))
	}
	return batch
}

// sampleLatentBatch draws batchSize latent vectors from N(0, I).
func (t *Trainer) sampleLatentBatch() *mat.Dense {
	dim := t.backend.LatentDim()
	batch := mat.NewDense(t.cfg.BatchSize, dim, nil)
	for i := 0; i < t.cfg.BatchSize; i++ {
		for j := 0; j < dim; j++ {
			batch.Set(i, j, t.rng.NormFloat64())
		}
	}
	return batch
}

// criticUpdate performs one gradient step on the critic:
// loss = mean(D(fake)) - mean(D(real)) + gpWeight * gradientPenalty.
func (t *Trainer) criticUpdate(ctx context.Context, realBatch *mat.Dense) (loss, gp float64, err error) {
	n := t.cfg.BatchSize

	fake, err := t.backend.Generate(ctx, t.sampleLatentBatch())
	if err != nil {
		return 0, 0, fmt.Errorf("generator execution failed: %w", err)
	}

	// Analytic gradient of the Wasserstein term.
	up := constColumn(n, 1.0/float64(n))
	down := constColumn(n, -1.0/float64(n))
	gradFake, _ := t.critic.Gradients(fake, up)
	gradReal, _ := t.critic.Gradients(realBatch, down)

	grad := make([]float64, len(gradFake))
	for i := range grad {
		grad[i] = gradFake[i] + gradReal[i]
	}

	wass := meanColumn(t.critic.Forward(fake)) - meanColumn(t.critic.Forward(realBatch))

	// Gradient penalty on interpolates, differentiated w.r.t. critic
	// weights by central finite differences.
	interp := t.interpolate(realBatch, fake)
	origParams := append([]float64(nil), t.critic.Params()...)
	penalty := func(p []float64) float64 {
		if setErr := t.critic.SetParams(p); setErr != nil {
			return math.NaN()
		}
		return t.gradientPenalty(interp)
	}
	if t.cfg.GPWeight > 0 {
		gpGrad := fd.Gradient(nil, penalty, origParams, t.fdSettings)
		for i := range grad {
			grad[i] += t.cfg.GPWeight * gpGrad[i]
		}
	}
	if setErr := t.critic.SetParams(origParams); setErr != nil {
		return 0, 0, setErr
	}
	gp = t.gradientPenalty(interp)

	loss = wass + t.cfg.GPWeight*gp
	if !isFinite(loss) {
		return 0, 0, &unstableError{what: "critic loss"}
	}
	if !allFinite(grad) {
		return 0, 0, &unstableError{what: "critic gradient"}
	}

	t.dOpt.Step(t.critic.Params(), grad)
	return loss, gp, nil
}

// interpolate mixes real and fake samples with a uniform per-sample
// coefficient.
func (t *Trainer) interpolate(realBatch, fake *mat.Dense) *mat.Dense {
	rows, cols := realBatch.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		eps := t.rng.Float64()
		for j := 0; j < cols; j++ {
			out.Set(i, j, eps*realBatch.At(i, j)+(1-eps)*fake.At(i, j))
		}
	}
	return out
}

// gradientPenalty evaluates mean((||grad_x D(x)||_2 - 1)^2) over the rows
// of interp using the critic's analytic input gradient.
func (t *Trainer) gradientPenalty(interp *mat.Dense) float64 {
	rows, _ := interp.Dims()
	total := 0.0
	for i := 0; i < rows; i++ {
		g := t.critic.InputGradient(interp.RawRowView(i))
		norm := 0.0
		for _, v := range g {
			norm += v * v
		}
		norm = math.Sqrt(norm)
		total += (norm - 1) * (norm - 1)
	}
	return total / float64(rows)
}

// generatorUpdate performs one gradient step on the generator parameters,
// minimizing -mean(D(G(z))) with the generator treated as a black box.
func (t *Trainer) generatorUpdate(ctx context.Context) (float64, error) {
	latents := t.sampleLatentBatch()
	origParams := t.backend.Params()

	var genErr error
	loss := func(p []float64) float64 {
		if genErr != nil {
			return math.NaN()
		}
		if err := t.backend.SetParams(p); err != nil {
			genErr = err
			return math.NaN()
		}
		fake, err := t.backend.Generate(ctx, latents)
		if err != nil {
			genErr = err
			return math.NaN()
		}
		return -meanColumn(t.critic.Forward(fake))
	}

	grad := fd.Gradient(nil, loss, origParams, t.fdSettings)
	if genErr != nil {
		if err := t.backend.SetParams(origParams); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("generator execution failed: %w", genErr)
	}

	value := loss(origParams)
	if genErr != nil {
		return 0, fmt.Errorf("generator execution failed: %w", genErr)
	}
	if !isFinite(value) {
		_ = t.backend.SetParams(origParams)
		return 0, &unstableError{what: "generator loss"}
	}
	if !allFinite(grad) {
		_ = t.backend.SetParams(origParams)
		return 0, &unstableError{what: "generator gradient"}
	}

	updated := append([]float64(nil), origParams...)
	t.gOpt.Step(updated, grad)
	if err := t.backend.SetParams(updated); err != nil {
		return 0, err
	}
	return value, nil
}

func constColumn(n int, v float64) *mat.Dense {
	col := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		col.Set(i, 0, v)
	}
	return col
}

func meanColumn(m *mat.Dense) float64 {
	rows, _ := m.Dims()
	sum := 0.0
	for i := 0; i < rows; i++ {
		sum += m.At(i, 0)
	}
	return sum / float64(rows)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func allFinite(vs []float64) bool {
	for _, v := range vs {
		if !isFinite(v) {
			return false
		}
	}
	return true
}
