// Command worker is a minimal reference client that speaks the runner's
// HTTP assignment wire protocol (spec §6): assign, keepalive, finish.
// It performs no real build or VCS work — it exists so the runner's
// HTTP surface can be exercised end to end without a production worker
// implementation, which is explicitly out of scope for this control
// plane.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/ashenforge/fleetd/internal/logging"
)

type assignResponse struct {
	ID      string `json:"id"`
	QueueID int64  `json:"queue_id"`
	Command string `json:"command"`
	Suite   string `json:"suite"`
}

type reasonResponse struct {
	Reason string `json:"reason"`
}

type workerResult struct {
	QueueID    int64     `json:"queue_id"`
	WorkerName string    `json:"worker_name"`
	StartTime  time.Time `json:"start_time"`
	FinishTime time.Time `json:"finish_time"`
	Revision   string    `json:"revision,omitempty"`
}

func main() {
	runnerURL := flag.String("runner", "http://localhost:9911", "base URL of the runner HTTP surface")
	workerName := flag.String("name", "reference-worker", "worker identity reported on assignment")
	pollInterval := flag.Duration("poll-interval", 10*time.Second, "delay between assignment attempts after an empty queue")
	once := flag.Bool("once", false, "process exactly one assignment, then exit")
	flag.Parse()

	log := logging.New(logging.Options{Format: logging.FormatJSON, Level: slog.LevelInfo})
	client := &http.Client{Timeout: 30 * time.Second}

	for {
		handled, err := runOnce(context.Background(), client, *runnerURL, *workerName, log)
		if err != nil {
			log.Error("assignment cycle failed", "error", err)
		}
		if *once {
			return
		}
		if !handled {
			time.Sleep(*pollInterval)
		}
	}
}

// runOnce requests one assignment and, if granted, simulates a
// successful run: a keepalive, then a finish. It returns false when the
// queue was empty, matching the runner's 503 ReasonResponse.
func runOnce(ctx context.Context, client *http.Client, runnerURL, workerName string, log *slog.Logger) (bool, error) {
	assign, handled, err := requestAssignment(ctx, client, runnerURL, workerName)
	if err != nil {
		return handled, err
	}
	if !handled {
		return false, nil
	}
	log.Info("assigned", "log_id", assign.ID, "queue_id", assign.QueueID, "suite", assign.Suite, "command", assign.Command)

	if err := sendKeepalive(ctx, client, runnerURL, assign.ID); err != nil {
		log.Warn("keepalive failed", "log_id", assign.ID, "error", err)
	}

	if err := sendFinish(ctx, client, runnerURL, assign.ID, assign.QueueID, workerName); err != nil {
		return true, fmt.Errorf("worker: finish %s: %w", assign.ID, err)
	}
	log.Info("finished", "log_id", assign.ID)
	return true, nil
}

func requestAssignment(ctx context.Context, client *http.Client, runnerURL, workerName string) (assignResponse, bool, error) {
	body, _ := json.Marshal(map[string]string{"worker": workerName})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, runnerURL+"/assign", bytes.NewReader(body))
	if err != nil {
		return assignResponse{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return assignResponse{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var a assignResponse
		if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
			return assignResponse{}, false, fmt.Errorf("decode assignment: %w", err)
		}
		return a, true, nil
	case http.StatusServiceUnavailable:
		return assignResponse{}, false, nil
	case http.StatusTooManyRequests:
		var reason reasonResponse
		json.NewDecoder(resp.Body).Decode(&reason)
		return assignResponse{}, false, fmt.Errorf("rate limited: %s", reason.Reason)
	default:
		var reason reasonResponse
		json.NewDecoder(resp.Body).Decode(&reason)
		return assignResponse{}, false, fmt.Errorf("assign failed with status %d: %s", resp.StatusCode, reason.Reason)
	}
}

func sendKeepalive(ctx context.Context, client *http.Client, runnerURL, logID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, runnerURL+"/active-runs/"+logID+"/keepalive", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected keepalive status %d", resp.StatusCode)
	}
	return nil
}

// sendFinish posts the result.json multipart part the runner's
// handleFinish expects (spec §6), omitting Code to report success.
func sendFinish(ctx context.Context, client *http.Client, runnerURL, logID string, queueID int64, workerName string) error {
	now := time.Now()
	result := workerResult{
		QueueID:    queueID,
		WorkerName: workerName,
		StartTime:  now,
		FinishTime: now,
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormField("result.json")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(part).Encode(result); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, runnerURL+"/active-runs/"+logID+"/finish", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		var reason reasonResponse
		json.NewDecoder(resp.Body).Decode(&reason)
		return fmt.Errorf("finish returned status %d: %s", resp.StatusCode, reason.Reason)
	}
	return nil
}
