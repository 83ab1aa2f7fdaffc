package server

import (
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/warden/internal/model"
)

func writeTrainingCSV(t *testing.T, dir string) string {
	t.Helper()
	rng := rand.New(rand.NewSource(9))

	var b strings.Builder
	b.WriteString("a,b,c,label\n")
	for i := 0; i < 24; i++ {
		label := 0
		base := 0.5
		if i >= 20 {
			label = 1
			base = 0.95
		}
		fmt.Fprintf(&b, "%.4f,%.4f,%.4f,%d\n",
			base+(rng.Float64()-0.5)*0.05,
			base+(rng.Float64()-0.5)*0.05,
			base+(rng.Float64()-0.5)*0.05,
			label)
	}

	path := filepath.Join(dir, "train.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

func TestTrain_RunsInBackgroundAndPublishes(t *testing.T) {
	srv, cfg := testServer(t)
	cfg.TrainFile = writeTrainingCSV(t, cfg.DataDir)
	cfg.LabelColumn = "label"
	cfg.CalibrationMetric = "f1"

	ch, cancel := srv.bus.Subscribe()
	defer cancel()

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/train", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	select {
	case ev := <-ch:
		assert.NotEmpty(t, ev.RunID, "step events carry the registry run id")
		assert.Equal(t, 1, ev.Step)
	case <-time.After(60 * time.Second):
		t.Fatal("no step event arrived on the bus")
	}

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.ModelPath)
		return err == nil && !srv.trainActive.Load()
	}, 60*time.Second, 50*time.Millisecond, "training must finish and persist the artifact")

	m, err := model.Load(cfg.ModelPath)
	require.NoError(t, err)
	assert.NotNil(t, m.Calibration)
}

func TestTrain_RejectsConcurrentRuns(t *testing.T) {
	srv, cfg := testServer(t)
	cfg.TrainFile = writeTrainingCSV(t, cfg.DataDir)

	srv.trainActive.Store(true)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/train", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTrain_RequiresTrainingFile(t *testing.T) {
	srv, _ := testServer(t)
	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/train", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
