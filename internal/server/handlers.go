package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/aristath/warden/internal/data"
	"github.com/aristath/warden/internal/model"
	"github.com/aristath/warden/internal/scoring"
	"github.com/aristath/warden/internal/training"
	"github.com/go-chi/chi/v5"
	"gonum.org/v1/gonum/mat"
)

const maxScoreBatch = 10000

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// handleHealth reports process liveness and registry reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "ok"
	if err := s.runsDB.QuickCheck(r.Context()); err != nil {
		dbStatus = err.Error()
	}

	modelStatus := "missing"
	if _, err := os.Stat(s.cfg.ModelPath); err == nil {
		modelStatus = "present"
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"uptime_s": int64(time.Since(s.started).Seconds()),
		"database": dbStatus,
		"model":    modelStatus,
	})
}

// handleModelInfo describes the current model artifact without exposing
// its parameters.
func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	m, err := model.Load(s.cfg.ModelPath)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	info := map[string]interface{}{
		"id":          m.ID,
		"created_at":  m.CreatedAt,
		"backend":     m.Config.Backend,
		"feature_dim": m.FeatureDim,
		"latent_dim":  m.Config.LatentDim,
		"total_depth": m.Config.TotalDepth,
		"columns":     m.Columns,
		"parameters":  len(m.GeneratorParams),
		"calibrated":  m.Calibration != nil,
	}
	if m.Calibration != nil {
		info["calibration"] = m.Calibration
	}
	s.respondJSON(w, http.StatusOK, info)
}

type scoreRequest struct {
	Samples [][]float64 `json:"samples"`
}

type scoreResult struct {
	Score     float64 `json:"score"`
	Anomalous *bool   `json:"anomalous,omitempty"`
}

type scoreResponse struct {
	ModelID    string        `json:"model_id"`
	Calibrated bool          `json:"calibrated"`
	Threshold  *float64      `json:"threshold,omitempty"`
	Results    []scoreResult `json:"results"`
}

// handleScore scores raw samples against the current model. Samples arrive
// in original units; the model's persisted bounds normalize them.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if len(req.Samples) == 0 {
		s.respondError(w, http.StatusBadRequest, "no samples provided")
		return
	}
	if len(req.Samples) > maxScoreBatch {
		s.respondError(w, http.StatusRequestEntityTooLarge, "too many samples in one request")
		return
	}

	m, err := model.Load(s.cfg.ModelPath)
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "no model available: "+err.Error())
		return
	}

	raw := mat.NewDense(len(req.Samples), m.FeatureDim, nil)
	for i, sample := range req.Samples {
		if len(sample) != m.FeatureDim {
			s.respondError(w, http.StatusBadRequest,
				"sample width does not match the model's feature count")
			return
		}
		raw.SetRow(i, sample)
	}

	normalized, err := data.Normalize(raw, m.Mins, m.Maxs)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	backend, err := m.NewBackend(s.cfg.Training, nil)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	runID, err := s.registry.Begin(r.Context(), model.RunPredict, m.Config.Backend, m.ID)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to record scoring run")
	}

	pool := scoring.NewPool(scoring.NewLatentOptimizer(backend, m.Config), s.cfg.Workers, s.log)
	scores, err := pool.ScoreAll(r.Context(), normalized)
	if err != nil {
		if runID != "" {
			_ = s.registry.Fail(r.Context(), runID, err)
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runID != "" {
		_ = s.registry.Complete(r.Context(), runID, "scored via api")
	}

	threshold, calibrated := m.Threshold()
	resp := scoreResponse{
		ModelID:    m.ID,
		Calibrated: calibrated,
		Results:    make([]scoreResult, len(scores)),
	}
	if calibrated {
		resp.Threshold = &threshold
	}
	for i, score := range scores {
		resp.Results[i].Score = score
		if calibrated {
			anomalous := score > threshold
			resp.Results[i].Anomalous = &anomalous
		}
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleTrain starts a background training run over the configured training
// file. Step events reach subscribers of /api/events/stream; the artifact at
// ModelPath is replaced on success. One run at a time.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TrainFile == "" {
		s.respondError(w, http.StatusBadRequest, "TRAIN_FILE is not configured")
		return
	}
	if !s.trainActive.CompareAndSwap(false, true) {
		s.respondError(w, http.StatusConflict, "a training run is already in progress")
		return
	}

	go func() {
		defer s.trainActive.Store(false)
		pipe := training.NewPipeline(s.cfg, s.registry, s.bus, s.log)
		if _, _, err := pipe.Run(context.Background()); err != nil {
			s.log.Error().Err(err).Msg("Background training failed")
		}
	}()

	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "training started"})
}

// handleListRuns returns recent runs from the registry.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.registry.Recent(r.Context(), 100)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleGetRun returns a single run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.registry.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

var errBackupsDisabled = errors.New("backups are not configured")

// handleListBackups lists remote backups.
func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if s.backup == nil {
		s.respondError(w, http.StatusNotImplemented, errBackupsDisabled.Error())
		return
	}
	backups, err := s.backup.ListBackups(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"backups": backups})
}

// handleTriggerBackup starts a backup immediately.
func (s *Server) handleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	if s.backup == nil {
		s.respondError(w, http.StatusNotImplemented, errBackupsDisabled.Error())
		return
	}
	if err := s.backup.CreateAndUploadBackup(r.Context()); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "backup completed"})
}
