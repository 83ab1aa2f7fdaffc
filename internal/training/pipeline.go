package training

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/warden/internal/config"
	"github.com/aristath/warden/internal/data"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/generator"
	"github.com/aristath/warden/internal/model"
	"github.com/aristath/warden/internal/scoring"
)

// Pipeline runs the full train-to-artifact sequence: dataset loading,
// adversarial training, threshold calibration when labels allow it, and
// artifact persistence. Train mode and the serve-mode train endpoint both
// go through it, so step events always reach the bus.
type Pipeline struct {
	cfg      *config.Config
	registry *model.Registry
	bus      *events.Bus
	log      zerolog.Logger
}

// NewPipeline creates a pipeline. The bus receives one StepEvent per
// completed training step.
func NewPipeline(cfg *config.Config, registry *model.Registry, bus *events.Bus, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		log:      log.With().Str("module", "pipeline").Logger(),
	}
}

// Run trains a model from cfg.TrainFile, saves it to cfg.ModelPath and
// records the run in the registry.
func (p *Pipeline) Run(ctx context.Context) (*model.Model, *Result, error) {
	ds, err := data.LoadCSV(p.cfg.TrainFile, p.cfg.LabelColumn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load training data: %w", err)
	}
	p.log.Info().Int("samples", ds.Rows()).Int("features", ds.Features()).
		Bool("labeled", ds.Labeled()).Msg("Training data loaded")

	mins, maxs := ds.Bounds()
	normalized, err := data.Normalize(ds.Raw, mins, maxs)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to normalize training data: %w", err)
	}

	rng := rand.New(rand.NewSource(p.cfg.Training.Seed))
	backend, err := generator.New(p.cfg.Training, ds.Features(), generator.Options{Rng: rng})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build generator backend: %w", err)
	}

	runID, err := p.registry.Begin(ctx, model.RunTrain, p.cfg.Training.Backend, "")
	if err != nil {
		return nil, nil, err
	}

	trainer, err := New(p.cfg.Training, backend, rng, p.log)
	if err != nil {
		_ = p.registry.Fail(ctx, runID, err)
		return nil, nil, err
	}
	trainer.Bus = p.bus
	trainer.RunID = runID
	if p.cfg.Training.Backend == string(generator.KindHardware) {
		// Remote execution hiccups should not kill an hours-long run.
		trainer.MaxStepRetries = 3
	}

	res, err := trainer.Run(ctx, normalized)
	if err != nil {
		_ = p.registry.Fail(ctx, runID, err)
		return nil, nil, err
	}

	m := model.Build(p.cfg.Training, backend, ds.Columns, mins, maxs)
	if err := p.calibrate(ctx, m, backend, normalized, ds.Labels); err != nil {
		_ = p.registry.Fail(ctx, runID, err)
		return nil, nil, err
	}

	if err := model.Save(m, p.cfg.ModelPath); err != nil {
		_ = p.registry.Fail(ctx, runID, err)
		return nil, nil, fmt.Errorf("failed to save model artifact: %w", err)
	}

	detail := fmt.Sprintf("steps=%d d_loss=%.4f g_loss=%.4f model=%s",
		res.Steps, res.FinalDLoss, res.FinalGLoss, m.ID)
	_ = p.registry.Complete(ctx, runID, detail)

	p.log.Info().Str("model_id", m.ID).Str("path", p.cfg.ModelPath).
		Dur("duration", res.Duration).Bool("calibrated", m.Calibration != nil).
		Msg("Training completed, model saved")
	return m, res, nil
}

// calibrate derives the verdict threshold when labels allow it. A single
// class of labels (or none at all) leaves the model explicitly uncalibrated.
func (p *Pipeline) calibrate(ctx context.Context, m *model.Model, backend generator.Backend,
	normalized *mat.Dense, labels []int) error {

	if labels == nil {
		p.log.Warn().Msg("No label column: model saved uncalibrated, scores only")
		return nil
	}

	metric, err := scoring.ParseMetric(p.cfg.CalibrationMetric)
	if err != nil {
		return err
	}

	pool := scoring.NewPool(scoring.NewLatentOptimizer(backend, m.Config), p.cfg.Workers, p.log)
	scores, err := pool.ScoreAll(ctx, normalized)
	if err != nil {
		return fmt.Errorf("failed to score training data for calibration: %w", err)
	}

	cal, err := scoring.Calibrate(scores, labels, metric)
	if errors.Is(err, scoring.ErrCalibrationSkipped) {
		p.log.Warn().Msg("Calibration skipped: labels contain a single class; model saved uncalibrated")
		return nil
	}
	if err != nil {
		return err
	}

	m.Calibration = cal
	p.log.Info().Float64("threshold", cal.Threshold).Str("metric", cal.Metric).
		Float64("metric_value", cal.MetricValue).Msg("Threshold calibrated")
	return nil
}
