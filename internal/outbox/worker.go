// Package outbox retries alert deliveries that failed on first attempt.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/pricewatch/internal/notify"
	"github.com/kalambet/pricewatch/internal/storage"
)

// JobStore abstracts the job queue and alert log operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	UpdateAlertStatus(ctx context.Context, id, status, errMsg string) error
}

// Deliverer sends an alert over one configured channel.
type Deliverer interface {
	Deliver(ctx context.Context, a notify.Alert, cfg storage.ChannelConfig) error
}

// Worker processes alert_redeliver jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	deliverer Deliverer
	poll      time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 5s.
func NewWorker(store JobStore, deliverer Deliverer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Worker{
		store:     store,
		deliverer: deliverer,
		poll:      pollInterval,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("outbox iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single redelivery job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{notify.JobTypeRedeliver})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload notify.RedeliverPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		w.fail(ctx, job, fmt.Errorf("parsing payload: %w", err), "")
		return true, nil
	}

	if err := w.deliverer.Deliver(ctx, payload.Alert, payload.Channel); err != nil {
		w.fail(ctx, job, err, payload.RecordID)
		return true, nil
	}

	w.setStatus(ctx, payload.RecordID, "sent", "")
	w.logger.Info("alert redelivered", "job_id", job.ID, "channel", payload.Channel.Type, "owner_id", payload.Alert.OwnerID)

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) fail(ctx context.Context, job *storage.Job, cause error, recordID string) {
	w.logger.Warn("redelivery failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", cause)
	if err := w.store.FailJob(ctx, job.ID, cause.Error()); err != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", err)
	}
	if job.Attempts+1 >= job.MaxAttempts {
		w.setStatus(ctx, recordID, "failed", cause.Error())
	}
}

func (w *Worker) setStatus(ctx context.Context, recordID, status, errMsg string) {
	if recordID == "" {
		return
	}
	err := w.store.UpdateAlertStatus(ctx, recordID, status, errMsg)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.logger.Error("failed to update alert log", "record_id", recordID, "error", err)
	}
}
