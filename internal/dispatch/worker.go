package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hibiken/asynq"
)

// Completer is the slice of the lifecycle manager the worker needs to report
// a failed delivery.
type Completer interface {
	CompleteRun(ctx context.Context, id, runID uuid.UUID, success bool, failureReason string) error
}

type Worker struct {
	server     *asynq.Server
	mux        *asynq.ServeMux
	http       *retryablehttp.Client
	gatewayURL string
	completer  Completer
	log        *slog.Logger
}

func NewWorker(redisURL, queue string, concurrency int, gatewayURL string, completer Completer, log *slog.Logger) (*Worker, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL)
	if err != nil {
		return nil, err
	}

	if queue == "" {
		queue = "default"
	}
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.Logger = nil

	mux := asynq.NewServeMux()
	w := &Worker{
		server:     server,
		mux:        mux,
		http:       httpClient,
		gatewayURL: gatewayURL,
		completer:  completer,
		log:        log,
	}

	mux.HandleFunc(TaskAgentDispatch, w.handleAgentDispatch)

	return w, nil
}

// handleAgentDispatch delivers one run to the agent gateway. A delivery
// failure is an agent-run failure: it goes back through the lifecycle
// manager, which owns the retry budget. The handler itself always returns
// nil for delivery errors so asynq never re-runs a run id the manager has
// already settled.
func (w *Worker) handleAgentDispatch(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseAgentDispatchPayload(task)
	if err != nil {
		return err
	}

	oppID, err := uuid.Parse(payload.OpportunityID)
	if err != nil {
		return err
	}
	runID, err := uuid.Parse(payload.RunID)
	if err != nil {
		return err
	}

	if err := w.deliver(ctx, payload); err != nil {
		w.log.Warn("agent delivery failed", "opportunity_id", oppID, "run_id", runID, "error", err)
		if cerr := w.completer.CompleteRun(ctx, oppID, runID, false, fmt.Sprintf("delivery failed: %v", err)); cerr != nil {
			w.log.Error("failed to record delivery failure", "opportunity_id", oppID, "error", cerr)
		}
		return nil
	}

	w.log.Info("agent delivery accepted", "opportunity_id", oppID, "run_id", runID)
	return nil
}

func (w *Worker) deliver(ctx context.Context, payload AgentDispatchPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, w.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+payload.RunToken)

	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("dispatch worker stopped", "error", err)
	}
}
