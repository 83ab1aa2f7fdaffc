package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

const (
	submitTimeout = 30 * time.Second
	awaitTimeout  = 15 * time.Minute // hardware queues can be slow
)

// HTTPExecutor submits circuit jobs to a remote execution service and
// awaits results over a websocket stream. Submission is a plain POST; the
// service answers with a job id whose status updates are then streamed
// until the job completes or fails.
type HTTPExecutor struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPExecutor creates an executor client for the service at baseURL,
// authenticating with the given bearer token.
func NewHTTPExecutor(baseURL, token string) *HTTPExecutor {
	return &HTTPExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: submitTimeout},
	}
}

// jobSubmission is the service's response to a job POST.
type jobSubmission struct {
	JobID string `json:"job_id"`
}

// jobUpdate is one message on the job status stream.
type jobUpdate struct {
	Status       string      `json:"status"` // queued | running | complete | failed
	Expectations [][]float64 `json:"expectations,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// ExpectationBatch submits the job and blocks until the remote execution
// finishes. Transport and service errors are returned as-is; the hardware
// backend decides the retry policy.
func (e *HTTPExecutor) ExpectationBatch(ctx context.Context, job CircuitJob) ([][]float64, error) {
	jobID, err := e.submit(ctx, job)
	if err != nil {
		return nil, err
	}
	return e.await(ctx, jobID)
}

func (e *HTTPExecutor) submit(ctx context.Context, job CircuitJob) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to encode circuit job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("job submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("job submission rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var sub jobSubmission
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return "", fmt.Errorf("failed to decode job submission response: %w", err)
	}
	if sub.JobID == "" {
		return "", fmt.Errorf("job submission response carried no job id")
	}
	return sub.JobID, nil
}

// await opens the status stream for the job and reads updates until a
// terminal state arrives.
func (e *HTTPExecutor) await(ctx context.Context, jobID string) ([][]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, awaitTimeout)
	defer cancel()

	streamURL := e.websocketURL() + "/api/v1/jobs/" + jobID + "/stream"
	conn, _, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{
		HTTPClient: e.httpClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + e.token}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job stream for %s: %w", jobID, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Allow result payloads for larger batches.
	conn.SetReadLimit(16 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("job stream for %s closed unexpectedly: %w", jobID, err)
		}

		var update jobUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			return nil, fmt.Errorf("malformed job update for %s: %w", jobID, err)
		}

		switch update.Status {
		case "complete":
			return update.Expectations, nil
		case "failed":
			return nil, fmt.Errorf("remote execution of job %s failed: %s", jobID, update.Error)
		case "queued", "running":
			// Keep waiting.
		default:
			return nil, fmt.Errorf("unknown job status %q for %s", update.Status, jobID)
		}
	}
}

// websocketURL swaps the HTTP scheme for the websocket one.
func (e *HTTPExecutor) websocketURL() string {
	switch {
	case strings.HasPrefix(e.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(e.baseURL, "https://")
	case strings.HasPrefix(e.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(e.baseURL, "http://")
	default:
		return e.baseURL
	}
}
