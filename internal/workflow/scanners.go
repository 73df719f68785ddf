package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/loom/internal/observability"
	"github.com/pitabwire/loom/model"
)

// TimerScanner wakes instances whose timers are due.
type TimerScanner struct {
	store     Store
	runtime   *Runtime
	batchSize int
	grace     time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewTimerScanner creates a TimerScanner claiming at most batchSize timer
// tasks per cycle. Timers due within grace of now count as due.
func NewTimerScanner(store Store, runtime *Runtime, batchSize int, grace time.Duration, logger *zap.Logger) *TimerScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimerScanner{
		store:     store,
		runtime:   runtime,
		batchSize: batchSize,
		grace:     grace,
		now:       runtime.now,
		logger:    logger,
	}
}

// Scan runs one cycle and returns how many instances were continued. It is
// a worker.Cycle.
func (s *TimerScanner) Scan(ctx context.Context) (int, error) {
	due, err := s.store.FindDueTimerTasks(ctx, s.now().UTC().Add(s.grace), s.batchSize)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool, len(due))
	handled := 0
	var errs []error
	for _, t := range due {
		if seen[t.InstanceID] {
			continue
		}
		seen[t.InstanceID] = true
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}

		tctx := model.WithTenant(ctx, t.TenantID, model.SystemUserID)
		if _, err := s.runtime.Continue(tctx, t.InstanceID); err != nil {
			observability.InstanceLogger(tctx, s.logger, t.InstanceID, "").Warn("timer continue failed",
				zap.String("node_id", t.NodeID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		handled++
	}
	return handled, errors.Join(errs...)
}

// JoinTimeoutScanner applies due join timeouts.
type JoinTimeoutScanner struct {
	store     Store
	runtime   *Runtime
	batchSize int
	now       func() time.Time
	logger    *zap.Logger
}

// NewJoinTimeoutScanner creates a JoinTimeoutScanner inspecting at most
// batchSize instances per cycle.
func NewJoinTimeoutScanner(store Store, runtime *Runtime, batchSize int, logger *zap.Logger) *JoinTimeoutScanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JoinTimeoutScanner{
		store:     store,
		runtime:   runtime,
		batchSize: batchSize,
		now:       runtime.now,
		logger:    logger,
	}
}

// Scan runs one cycle and returns how many instances had a timeout applied.
// It is a worker.Cycle.
func (s *JoinTimeoutScanner) Scan(ctx context.Context) (int, error) {
	instances, err := s.store.FindInstancesWithParallelGroups(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	handled := 0
	var errs []error
	for _, inst := range instances {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if !hasDueJoinTimeout(inst, now) {
			continue
		}

		tctx := model.WithTenant(ctx, inst.TenantID, model.SystemUserID)
		applied, err := s.runtime.ResolveJoinTimeouts(tctx, inst.ID, now)
		if err != nil {
			observability.InstanceLogger(tctx, s.logger, inst.ID, inst.DefinitionID).Warn("join timeout resolution failed", zap.Error(err))
			errs = append(errs, err)
			continue
		}
		if applied {
			handled++
		}
	}
	return handled, errors.Join(errs...)
}

// hasDueJoinTimeout pre-filters scanned instances without taking the lock.
// The runtime re-checks under the lock.
func hasDueJoinTimeout(inst model.WorkflowInstance, now time.Time) bool {
	groups, err := decodeGroups(inst.Context[parallelGroupsKey])
	if err != nil {
		return true
	}
	for _, g := range groups {
		j := g.Join
		if j == nil || j.TimeoutAtUTC == nil || j.Satisfied || j.Released || j.TimeoutTriggered {
			continue
		}
		if !now.Add(joinTimeoutGrace).Before(*j.TimeoutAtUTC) {
			return true
		}
	}
	return false
}
