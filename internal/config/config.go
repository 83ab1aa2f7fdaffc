// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Mode selects what the process does on startup. Train and predict are
// one-shot invocations; serve runs the HTTP scoring service.
type Mode string

const (
	ModeTrain   Mode = "train"
	ModePredict Mode = "predict"
	ModeServe   Mode = "serve"
)

// TrainingConfig holds the hyperparameters of one model. The same values
// must be used for the train and predict invocations of a given model;
// model.EnsureCompatible enforces this at predict time.
type TrainingConfig struct {
	TrainingSteps           int     `msgpack:"training_steps"`
	LatentDim               int     `msgpack:"latent_dim"` // Latent vector length, doubles as qubit count (0 = derive from feature count)
	TotalDepth              int     `msgpack:"total_depth"` // Generator depth: dense blocks (classical) or circuit layers (quantum)
	BatchSize               int     `msgpack:"batch_size"`
	DiscriminatorIterations int     `msgpack:"discriminator_iterations"` // Critic updates per generator update
	GPWeight                float64 `msgpack:"gp_weight"`                // Gradient penalty coefficient
	LatentIterations        int     `msgpack:"latent_iterations"`        // Latent-space search steps per scored sample
	Backend                 string  `msgpack:"backend"`                  // classical | sim-ring | sim-chain | hardware
	Seed                    int64   `msgpack:"seed"`
	LearningRate            float64 `msgpack:"learning_rate"` // Adam learning rate for both networks
	HardwareURL             string  `msgpack:"-"`             // Remote circuit executor base URL (hardware backend only)
	HardwareToken           string  `msgpack:"-"`             // Remote executor credential, never persisted
}

// Config holds application configuration
type Config struct {
	Mode        Mode
	DataDir     string // Base directory for databases and model artifacts
	ModelPath   string // Model artifact location (defaults to <DataDir>/model/warden.model)
	TrainFile   string // Training set CSV
	PredictFile string // Prediction set CSV
	LabelColumn string // Name of the 0/1 label column, empty = unlabeled data
	LogLevel    string
	Port        int
	DevMode     bool
	Workers     int // Concurrent latent optimizations during scoring (0 = NumCPU)
	Training    TrainingConfig

	// CalibrationMetric selects the threshold sweep objective
	// (f1, balanced-accuracy, youden-j).
	CalibrationMetric string

	// Model artifact backup to S3-compatible storage (serve mode)
	BackupBucket     string
	BackupEndpoint   string
	BackupAccessKey  string
	BackupSecretKey  string
	BackupRetention  int    // days, 0 = keep forever
	BackupSchedule   string // cron expression, empty = disabled
	RecalibSchedule  string // cron expression for periodic recalibration, empty = disabled
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("WARDEN_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		Mode:        Mode(getEnv("WARDEN_MODE", string(ModeServe))),
		DataDir:     absDataDir,
		ModelPath:   getEnv("MODEL_PATH", filepath.Join(absDataDir, "model", "warden.model")),
		TrainFile:   getEnv("TRAIN_FILE", ""),
		PredictFile: getEnv("PREDICT_FILE", ""),
		LabelColumn: getEnv("LABEL_COLUMN", "label"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Port:        getEnvAsInt("PORT", 8001),
		DevMode:     getEnvAsBool("DEV_MODE", false),
		Workers:     getEnvAsInt("SCORE_WORKERS", 0),
		Training: TrainingConfig{
			TrainingSteps:           getEnvAsInt("TRAINING_STEPS", 1000),
			LatentDim:               getEnvAsInt("LATENT_DIM", 0),
			TotalDepth:              getEnvAsInt("TOTAL_DEPTH", 4),
			BatchSize:               getEnvAsInt("BATCH_SIZE", 64),
			DiscriminatorIterations: getEnvAsInt("DISCRIMINATOR_ITERATIONS", 5),
			GPWeight:                getEnvAsFloat("GP_WEIGHT", 10.0),
			LatentIterations:        getEnvAsInt("LATENT_OPT_ITERATIONS", 100),
			Backend:                 getEnv("BACKEND", "classical"),
			Seed:                    int64(getEnvAsInt("SEED", 42)),
			LearningRate:            getEnvAsFloat("LEARNING_RATE", 0.0002),
			HardwareURL:             getEnv("HARDWARE_URL", ""),
			HardwareToken:           getEnv("HARDWARE_TOKEN", ""),
		},
		CalibrationMetric: getEnv("CALIBRATION_METRIC", "f1"),
		BackupBucket:      getEnv("BACKUP_BUCKET", ""),
		BackupEndpoint:    getEnv("BACKUP_ENDPOINT", ""),
		BackupAccessKey:   getEnv("BACKUP_ACCESS_KEY_ID", ""),
		BackupSecretKey:   getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
		BackupRetention:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		BackupSchedule:    getEnv("BACKUP_SCHEDULE", ""),
		RecalibSchedule:   getEnv("RECALIBRATE_SCHEDULE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeTrain, ModePredict, ModeServe:
	default:
		return fmt.Errorf("invalid WARDEN_MODE %q (want train, predict or serve)", c.Mode)
	}

	if err := c.Training.Validate(); err != nil {
		return err
	}

	if c.Mode == ModeTrain && c.TrainFile == "" {
		return fmt.Errorf("TRAIN_FILE is required in train mode")
	}
	if c.Mode == ModePredict && c.PredictFile == "" {
		return fmt.Errorf("PREDICT_FILE is required in predict mode")
	}

	return nil
}

// Validate checks hyperparameter ranges. LatentDim 0 is allowed here
// because it is derived from the feature count once the data is loaded.
func (tc *TrainingConfig) Validate() error {
	if tc.TrainingSteps <= 0 {
		return fmt.Errorf("TRAINING_STEPS must be positive, got %d", tc.TrainingSteps)
	}
	if tc.LatentDim < 0 || tc.LatentDim > 12 {
		return fmt.Errorf("LATENT_DIM must be in [0, 12], got %d", tc.LatentDim)
	}
	if tc.TotalDepth <= 0 {
		return fmt.Errorf("TOTAL_DEPTH must be positive, got %d", tc.TotalDepth)
	}
	if tc.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", tc.BatchSize)
	}
	if tc.DiscriminatorIterations <= 0 {
		return fmt.Errorf("DISCRIMINATOR_ITERATIONS must be positive, got %d", tc.DiscriminatorIterations)
	}
	if tc.GPWeight < 0 {
		return fmt.Errorf("GP_WEIGHT must be non-negative, got %g", tc.GPWeight)
	}
	if tc.LatentIterations <= 0 {
		return fmt.Errorf("LATENT_OPT_ITERATIONS must be positive, got %d", tc.LatentIterations)
	}
	if tc.LearningRate <= 0 {
		return fmt.Errorf("LEARNING_RATE must be positive, got %g", tc.LearningRate)
	}
	if tc.Backend == "hardware" && tc.HardwareToken == "" {
		return fmt.Errorf("HARDWARE_TOKEN is required for the hardware backend")
	}
	return nil
}

// ResolveLatentDim returns the effective latent dimension for a dataset with
// the given feature count. A configured value wins; 0 derives one latent
// unit per three features, clamped to [1, 9].
func (tc *TrainingConfig) ResolveLatentDim(featureDim int) int {
	if tc.LatentDim > 0 {
		return tc.LatentDim
	}
	dim := featureDim / 3
	if dim < 1 {
		dim = 1
	}
	if dim > 9 {
		dim = 9
	}
	return dim
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
