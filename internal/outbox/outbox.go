// Package outbox delivers committed outbox messages to downstream consumers.
// Delivery is at-least-once: a message is marked processed only after its
// dispatcher succeeds, or after it exhausts its retries.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/loom/internal/observability"
	"github.com/pitabwire/loom/model"
)

// Store is the outbox side of the workflow store.
type Store interface {
	// FetchUnprocessed returns unprocessed messages ordered by creation, at
	// most limit.
	FetchUnprocessed(ctx context.Context, limit int) ([]model.OutboxMessage, error)

	// MarkProcessed flags the message processed unless it already is. It
	// reports whether this call made the change.
	MarkProcessed(ctx context.Context, id string, at time.Time, lastError string) (bool, error)

	// RecordFailure stores the retry count and last error of a failed dispatch.
	RecordFailure(ctx context.Context, id string, retryCount int, lastError string) error
}

// Dispatcher hands one message to a downstream system.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg model.OutboxMessage) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, msg model.OutboxMessage) error

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, msg model.OutboxMessage) error {
	return f(ctx, msg)
}

// Dispatch result labels.
const (
	resultDispatched = "dispatched"
	resultRetry      = "retry"
	resultGaveUp     = "gave_up"
	resultRaced      = "already_processed"
)

// Worker drains the outbox in batches.
type Worker struct {
	store      Store
	dispatcher Dispatcher
	batchSize  int
	maxRetries int
	now        func() time.Time
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewWorker creates a Worker. A message whose dispatch failed maxRetries
// times is marked processed with its last error.
func NewWorker(store Store, dispatcher Dispatcher, batchSize, maxRetries int, metrics *observability.Metrics, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		batchSize:  batchSize,
		maxRetries: maxRetries,
		now:        time.Now,
		metrics:    metrics,
		logger:     logger,
	}
}

// Process runs one cycle and returns how many messages left the outbox. It
// is a worker.Cycle.
func (w *Worker) Process(ctx context.Context) (int, error) {
	msgs, err := w.store.FetchUnprocessed(ctx, w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch outbox: %w", err)
	}

	handled := 0
	var errs []error
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		done, err := w.deliver(ctx, msg)
		if err != nil {
			errs = append(errs, err)
		}
		if done {
			handled++
		}
	}
	return handled, errors.Join(errs...)
}

// deliver dispatches one message and records the outcome. It reports whether
// the message is now processed.
func (w *Worker) deliver(ctx context.Context, msg model.OutboxMessage) (bool, error) {
	dispatchErr := w.dispatcher.Dispatch(ctx, msg)
	if dispatchErr == nil {
		changed, err := w.store.MarkProcessed(ctx, msg.ID, w.now().UTC(), "")
		if err != nil {
			return false, fmt.Errorf("mark outbox message %s processed: %w", msg.ID, err)
		}
		if changed {
			w.metrics.RecordOutboxDispatch(resultDispatched)
		} else {
			w.metrics.RecordOutboxDispatch(resultRaced)
		}
		return true, nil
	}

	retries := msg.RetryCount + 1
	if retries >= w.maxRetries {
		w.metrics.RecordOutboxDispatch(resultGaveUp)
		w.logger.Warn("outbox message abandoned",
			zap.String("message_id", msg.ID),
			zap.String("event_type", msg.EventType),
			zap.String("instance_id", msg.InstanceID),
			zap.Int("retries", retries),
			zap.Error(dispatchErr),
		)
		if err := w.store.RecordFailure(ctx, msg.ID, retries, dispatchErr.Error()); err != nil {
			return false, fmt.Errorf("record outbox failure %s: %w", msg.ID, err)
		}
		if _, err := w.store.MarkProcessed(ctx, msg.ID, w.now().UTC(), dispatchErr.Error()); err != nil {
			return false, fmt.Errorf("abandon outbox message %s: %w", msg.ID, err)
		}
		return true, nil
	}

	w.metrics.RecordOutboxDispatch(resultRetry)
	w.logger.Warn("outbox dispatch failed",
		zap.String("message_id", msg.ID),
		zap.String("event_type", msg.EventType),
		zap.Int("retries", retries),
		zap.Error(dispatchErr),
	)
	if err := w.store.RecordFailure(ctx, msg.ID, retries, dispatchErr.Error()); err != nil {
		return false, fmt.Errorf("record outbox failure %s: %w", msg.ID, err)
	}
	return false, nil
}
