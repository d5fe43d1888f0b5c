package detection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mntrk/observatory-backend/internal/shared"
)

// ErrAllStoresFailed means neither store recorded the batch; the producer
// should retry the whole batch later since nothing is durable.
var ErrAllStoresFailed = errors.New("all detection stores failed")

const (
	primaryMaxAttempts = 3
	primaryRetryBase   = 2 * time.Second
)

// PrimaryStore persists the full-fidelity per-item rows.
type PrimaryStore interface {
	InsertBatch(ctx context.Context, records []*Record) error
}

// SecondaryStore persists the one-row-per-batch live projection.
type SecondaryStore interface {
	Insert(ctx context.Context, live *LiveDetection) error
}

// WriteResult tells the caller which store took the batch. Partial success
// is not an error: monitoring alerts on sustained secondary failure from
// the response payload, not from the status code.
type WriteResult struct {
	BatchID     string
	PrimaryOK   bool
	SecondaryOK bool
	InsertError string
	Live        *LiveDetection
}

// Writer records a DetectionBatch in both stores. The primary is the source
// of truth and gets bounded retries with backoff; the secondary only feeds
// ephemeral live-view state and is written once, best-effort. The two writes
// run concurrently with no ordering or transactional link between them.
type Writer struct {
	primary   PrimaryStore
	secondary SecondaryStore
	logger    *slog.Logger

	maxAttempts int
	retryBase   time.Duration
}

func NewWriter(primary PrimaryStore, secondary SecondaryStore, logger *slog.Logger) *Writer {
	return &Writer{
		primary:     primary,
		secondary:   secondary,
		logger:      logger.With("component", "detection_writer"),
		maxAttempts: primaryMaxAttempts,
		retryBase:   primaryRetryBase,
	}
}

// Write persists batch to both stores and reports per-store outcome.
// It fails only when both stores fail.
func (w *Writer) Write(ctx context.Context, batch *DetectionBatch) (WriteResult, error) {
	now := time.Now().UTC()
	batchID := shared.NewID("batch_")

	records := NewRecords(batchID, batch, now)
	live := NewLiveDetection(batchID, batch, now)

	result := WriteResult{BatchID: batchID, Live: live}

	var wg sync.WaitGroup
	var primaryErr, secondaryErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		primaryErr = w.writePrimary(ctx, records)
	}()
	go func() {
		defer wg.Done()
		secondaryErr = w.secondary.Insert(ctx, live)
	}()
	wg.Wait()

	result.PrimaryOK = primaryErr == nil
	result.SecondaryOK = secondaryErr == nil

	switch {
	case primaryErr != nil && secondaryErr != nil:
		w.logger.Error("batch lost, both stores failed",
			"batch_id", batchID,
			"primary_error", primaryErr,
			"secondary_error", secondaryErr)
		result.InsertError = primaryErr.Error()
		return result, ErrAllStoresFailed
	case primaryErr != nil:
		w.logger.Warn("primary store failed, live copy only",
			"batch_id", batchID, "error", primaryErr)
		result.InsertError = primaryErr.Error()
	case secondaryErr != nil:
		w.logger.Warn("secondary store failed, live view will lag",
			"batch_id", batchID, "error", secondaryErr)
		result.InsertError = secondaryErr.Error()
	}

	return result, nil
}

// writePrimary retries with exponential backoff. The secondary write is
// already in flight; nothing here blocks it.
func (w *Writer) writePrimary(ctx context.Context, records []*Record) error {
	var err error
	backoff := w.retryBase

	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		err = w.primary.InsertBatch(ctx, records)
		if err == nil {
			return nil
		}

		if attempt == w.maxAttempts {
			break
		}

		w.logger.Warn("primary insert failed, retrying",
			"attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	return err
}
