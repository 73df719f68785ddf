// Package worker runs the background polling loops: each loop invokes a
// cycle function on a fixed interval until its context is cancelled.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/loom/internal/observability"
)

// Cycle performs one unit of polling work. It returns how many items it
// handled; cycles that handled nothing are logged at debug level only.
type Cycle func(ctx context.Context) (int, error)

// Loop is a named polling loop.
type Loop struct {
	Name     string
	Interval time.Duration
	Cycle    Cycle
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

// Run executes the cycle every Interval until ctx is done. A failing or
// panicking cycle is logged and the loop carries on.
func (l *Loop) Run(ctx context.Context) {
	interval := l.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single cycle with panic recovery and instrumentation.
func (l *Loop) RunOnce(ctx context.Context) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	start := time.Now()
	handled, err := l.safeCycle(ctx)
	duration := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.Metrics.RecordWorkerCycle(l.Name, "error", duration)
		logger.Error("worker cycle failed",
			zap.String("worker", l.Name),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return
	}

	l.Metrics.RecordWorkerCycle(l.Name, "ok", duration)
	if handled > 0 {
		logger.Info("worker cycle completed",
			zap.String("worker", l.Name),
			zap.Int("handled", handled),
			zap.Duration("duration", duration),
		)
	} else {
		logger.Debug("worker cycle idle", zap.String("worker", l.Name))
	}
}

func (l *Loop) safeCycle(ctx context.Context) (handled int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("worker %s panic: %v", l.Name, rec)
		}
	}()
	ctx, span := observability.StartSpan(ctx, "worker."+l.Name, observability.AttrWorker.String(l.Name))
	defer func() { observability.EndSpanWithError(span, err) }()
	return l.Cycle(ctx)
}

// Group runs several loops and waits for all of them to stop.
type Group struct {
	wg sync.WaitGroup
}

// Go starts the loop in its own goroutine.
func (g *Group) Go(ctx context.Context, l *Loop) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		l.Run(ctx)
	}()
}

// Wait blocks until every started loop has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
