// Package main is the entry point for Warden, a semi-supervised tabular
// outlier detector built around an adversarially trained generator.
//
// The process runs in one of three modes selected by WARDEN_MODE:
//   - train: fit a generator on a CSV, calibrate a threshold from whatever
//     labels are present, and persist the model artifact
//   - predict: load the artifact and score a CSV, emitting one JSON line
//     per sample
//   - serve: expose scoring and run history over HTTP, with scheduled
//     backups and recalibration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/warden/internal/config"
	"github.com/aristath/warden/internal/data"
	"github.com/aristath/warden/internal/database"
	"github.com/aristath/warden/internal/events"
	"github.com/aristath/warden/internal/model"
	"github.com/aristath/warden/internal/reliability"
	"github.com/aristath/warden/internal/scheduler"
	"github.com/aristath/warden/internal/scoring"
	"github.com/aristath/warden/internal/server"
	"github.com/aristath/warden/internal/training"
	"github.com/aristath/warden/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("mode", string(cfg.Mode)).Str("backend", cfg.Training.Backend).Msg("Warden starting")

	switch cfg.Mode {
	case config.ModeTrain:
		runTrain(cfg, log)
	case config.ModePredict:
		runPredict(cfg, log)
	case config.ModeServe:
		runServe(cfg, log)
	}
}

// openRegistry opens the runs database and its registry.
func openRegistry(cfg *config.Config, log zerolog.Logger) (*database.DB, *model.Registry) {
	db, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "runs.db"),
		Profile: database.ProfileStandard,
		Name:    "runs",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open run registry database")
	}
	registry, err := model.NewRegistry(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize run registry")
	}
	return db, registry
}

func runTrain(cfg *config.Config, log zerolog.Logger) {
	db, registry := openRegistry(cfg, log)
	defer db.Close()

	// Step events flow through the same bus the serve-mode SSE stream uses;
	// in train mode a logging subscriber consumes them.
	bus := events.NewBus()
	stop := events.LogProgress(bus, log)
	defer stop()

	pipe := training.NewPipeline(cfg, registry, bus, log)
	m, res, err := pipe.Run(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Training failed")
	}

	log.Info().Str("model_id", m.ID).Str("path", cfg.ModelPath).
		Dur("duration", res.Duration).Bool("calibrated", m.Calibration != nil).
		Msg("Model ready")
}

func runPredict(cfg *config.Config, log zerolog.Logger) {
	ctx := context.Background()

	m, err := model.Load(cfg.ModelPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load model artifact")
	}
	if err := m.EnsureCompatible(cfg.Training); err != nil {
		log.Fatal().Err(err).Msg("Configuration does not match the persisted model")
	}

	ds, err := data.LoadCSV(cfg.PredictFile, cfg.LabelColumn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load prediction data")
	}
	if ds.Features() != m.FeatureDim {
		log.Fatal().Int("features", ds.Features()).Int("expected", m.FeatureDim).
			Msg("Prediction data does not match the model's feature count")
	}

	normalized, err := data.Normalize(ds.Raw, m.Mins, m.Maxs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to normalize prediction data")
	}

	backend, err := m.NewBackend(cfg.Training, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to reconstruct generator")
	}

	db, registry := openRegistry(cfg, log)
	defer db.Close()
	runID, err := registry.Begin(ctx, model.RunPredict, m.Config.Backend, m.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to record prediction run")
	}

	pool := scoring.NewPool(scoring.NewLatentOptimizer(backend, m.Config), cfg.Workers, log)
	scores, err := pool.ScoreAll(ctx, normalized)
	if err != nil {
		_ = registry.Fail(ctx, runID, err)
		log.Fatal().Err(err).Msg("Scoring failed")
	}

	threshold, calibrated := m.Threshold()
	if !calibrated {
		log.Warn().Msg("Model is uncalibrated: emitting scores without verdicts")
	}

	type verdict struct {
		Index     int     `json:"index"`
		Score     float64 `json:"score"`
		Anomalous *bool   `json:"anomalous,omitempty"`
	}
	enc := json.NewEncoder(os.Stdout)
	anomalies := 0
	for i, score := range scores {
		v := verdict{Index: i, Score: score}
		if calibrated {
			a := score > threshold
			if a {
				anomalies++
			}
			v.Anomalous = &a
		}
		if err := enc.Encode(v); err != nil {
			log.Fatal().Err(err).Msg("Failed to write verdict")
		}
	}

	detail := fmt.Sprintf("samples=%d anomalies=%d", len(scores), anomalies)
	_ = registry.Complete(ctx, runID, detail)
	log.Info().Int("samples", len(scores)).Int("anomalies", anomalies).Msg("Prediction completed")
}

func runServe(cfg *config.Config, log zerolog.Logger) {
	db, registry := openRegistry(cfg, log)
	defer db.Close()

	bus := events.NewBus()

	var backupSvc *reliability.BackupService
	if cfg.BackupBucket != "" {
		store, err := reliability.NewS3Client(context.Background(), reliability.S3Config{
			Endpoint:        cfg.BackupEndpoint,
			Bucket:          cfg.BackupBucket,
			AccessKeyID:     cfg.BackupAccessKey,
			SecretAccessKey: cfg.BackupSecretKey,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize backup storage")
		}
		backupSvc = reliability.NewBackupService(store, cfg.ModelPath, db, cfg.DataDir, log)
	}

	sched := scheduler.New(log)
	if backupSvc != nil && cfg.BackupSchedule != "" {
		job := &scheduler.BackupJob{Service: backupSvc, RetentionDays: cfg.BackupRetention}
		if err := sched.AddJob(cfg.BackupSchedule, job); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule backups")
		}
	}
	if cfg.RecalibSchedule != "" && cfg.TrainFile != "" {
		job := &scheduler.RecalibrateJob{Cfg: cfg, Log: log, Registry: registry}
		if err := sched.AddJob(cfg.RecalibSchedule, job); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule recalibration")
		}
	}
	if err := sched.AddJob("@every 1h", &scheduler.CheckpointJob{DB: db}); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule WAL checkpoints")
	}
	sched.Start()

	srv := server.New(server.Config{
		Log:      log,
		Cfg:      cfg,
		RunsDB:   db,
		Registry: registry,
		Bus:      bus,
		Backup:   backupSvc,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal().Err(err).Msg("HTTP server failed")
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	sched.Stop()
}
