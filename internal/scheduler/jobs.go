package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/warden/internal/config"
	"github.com/aristath/warden/internal/data"
	"github.com/aristath/warden/internal/database"
	"github.com/aristath/warden/internal/model"
	"github.com/aristath/warden/internal/reliability"
	"github.com/aristath/warden/internal/scoring"
	"github.com/rs/zerolog"
)

const jobTimeout = 30 * time.Minute

// BackupJob uploads a fresh backup and rotates old ones.
type BackupJob struct {
	Service       *reliability.BackupService
	RetentionDays int
}

func (j *BackupJob) Name() string { return "backup" }

func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := j.Service.CreateAndUploadBackup(ctx); err != nil {
		return err
	}
	return j.Service.RotateOldBackups(ctx, j.RetentionDays)
}

// CheckpointJob truncates the run registry's WAL file.
type CheckpointJob struct {
	DB *database.DB
}

func (j *CheckpointJob) Name() string { return "wal-checkpoint" }

func (j *CheckpointJob) Run() error {
	return j.DB.WALCheckpoint("TRUNCATE")
}

// RecalibrateJob re-derives the verdict threshold from the labeled training
// file and persists the updated model. A single-class label set leaves the
// model untouched. Every invocation lands in the run registry.
type RecalibrateJob struct {
	Cfg      *config.Config
	Log      zerolog.Logger
	Registry *model.Registry
}

func (j *RecalibrateJob) Name() string { return "recalibrate" }

func (j *RecalibrateJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	m, err := model.Load(j.Cfg.ModelPath)
	if err != nil {
		return err
	}

	runID, err := j.Registry.Begin(ctx, model.RunCalibrate, m.Config.Backend, m.ID)
	if err != nil {
		return err
	}

	detail, err := j.recalibrate(ctx, m)
	if err != nil {
		_ = j.Registry.Fail(ctx, runID, err)
		return err
	}
	return j.Registry.Complete(ctx, runID, detail)
}

// recalibrate scores the training file against the persisted model and
// replaces its calibration. The returned detail summarizes the outcome for
// the run record.
func (j *RecalibrateJob) recalibrate(ctx context.Context, m *model.Model) (string, error) {
	metric, err := scoring.ParseMetric(j.Cfg.CalibrationMetric)
	if err != nil {
		return "", err
	}

	ds, err := data.LoadCSV(j.Cfg.TrainFile, j.Cfg.LabelColumn)
	if err != nil {
		return "", err
	}
	if !ds.Labeled() {
		return "", fmt.Errorf("recalibration needs labeled data, %s has no %q column", j.Cfg.TrainFile, j.Cfg.LabelColumn)
	}

	normalized, err := data.Normalize(ds.Raw, m.Mins, m.Maxs)
	if err != nil {
		return "", err
	}

	backend, err := m.NewBackend(j.Cfg.Training, nil)
	if err != nil {
		return "", err
	}

	pool := scoring.NewPool(scoring.NewLatentOptimizer(backend, m.Config), j.Cfg.Workers, j.Log)
	scores, err := pool.ScoreAll(ctx, normalized)
	if err != nil {
		return "", err
	}

	cal, err := scoring.Calibrate(scores, ds.Labels, metric)
	if errors.Is(err, scoring.ErrCalibrationSkipped) {
		j.Log.Warn().Msg("Recalibration skipped: labels contain a single class")
		return "skipped: single-class labels", nil
	}
	if err != nil {
		return "", err
	}

	m.Calibration = cal
	if err := model.Save(m, j.Cfg.ModelPath); err != nil {
		return "", err
	}

	j.Log.Info().
		Float64("threshold", cal.Threshold).
		Str("metric", cal.Metric).
		Float64("metric_value", cal.MetricValue).
		Msg("Model recalibrated")
	return fmt.Sprintf("threshold=%.6f metric=%s value=%.4f", cal.Threshold, cal.Metric, cal.MetricValue), nil
}
