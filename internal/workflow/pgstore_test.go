package workflow

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pitabwire/loom/internal/action"
	"github.com/pitabwire/loom/internal/definition"
	"github.com/pitabwire/loom/model"
)

// newPgStore starts a disposable PostgreSQL container. Set LOOM_PG_TESTS=1
// to run these tests; they need a container runtime.
func newPgStore(t *testing.T) *PgStore {
	t.Helper()
	if os.Getenv("LOOM_PG_TESTS") != "1" {
		t.Skip("set LOOM_PG_TESTS=1 to run PostgreSQL tests")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("loom"),
		postgres.WithUsername("loom"),
		postgres.WithPassword("loom"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPgStore(pool)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrations must be re-runnable")
	return store
}

func TestPgStore(t *testing.T) {
	store := newPgStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("definitions", func(t *testing.T) {
		def := model.WorkflowDefinition{ID: "approval", TenantID: "tenant-1", Name: "Approval", Version: 1, DSL: json.RawMessage(linearDSL)}
		require.NoError(t, store.SaveDefinition(ctx, def))

		def.IsPublished = true
		def.PublishedAt = &now
		require.NoError(t, store.SaveDefinition(ctx, def))

		got, err := store.GetDefinition(ctx, "tenant-1", "approval")
		require.NoError(t, err)
		assert.True(t, got.IsPublished)
		assert.Equal(t, "Approval", got.Name)

		err = store.SaveDefinition(ctx, def)
		assert.True(t, model.IsCode(err, model.ErrConflict), "republish error = %v", err)

		_, err = store.GetDefinition(ctx, "tenant-2", "approval")
		assert.True(t, model.IsCode(err, model.ErrNotFound))
	})

	t.Run("commit and version check", func(t *testing.T) {
		inst := testInstance("pg-1", "tenant-1", "approval", "review")
		inst.StartedAt = now
		inst.UpdatedAt = now
		due := now.Add(-time.Second)

		saved, err := store.Commit(ctx, Mutation{
			Instance: inst,
			Create:   true,
			Tasks: []model.WorkflowTask{
				{ID: "pg-t1", TenantID: "tenant-1", InstanceID: "pg-1", NodeID: "wait", Type: model.TaskTypeTimer, Status: model.TaskStatusCreated, DueDate: &due, CreatedAt: now},
			},
			Events: []model.WorkflowEvent{
				{ID: "pg-e1", TenantID: "tenant-1", InstanceID: "pg-1", Type: model.EventInstanceStarted, OccurredAt: now},
			},
			Outbox: []model.OutboxMessage{
				{ID: "pg-o1", TenantID: "tenant-1", InstanceID: "pg-1", EventType: model.EventInstanceStarted, Payload: json.RawMessage(`{}`), IdempotencyKey: "pg-1:InstanceStarted:started", CreatedAt: now},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, saved.Version)

		_, err = store.Commit(ctx, Mutation{Instance: inst, Create: true})
		assert.True(t, model.IsCode(err, model.ErrConflict), "duplicate create error = %v", err)

		saved.CurrentNodeIDs = []string{"end"}
		updated, err := store.Commit(ctx, Mutation{
			Instance:        saved,
			ExpectedVersion: 1,
			Outbox: []model.OutboxMessage{
				{ID: "pg-o2", TenantID: "tenant-1", InstanceID: "pg-1", EventType: model.EventInstanceStarted, Payload: json.RawMessage(`{}`), IdempotencyKey: "pg-1:InstanceStarted:started", CreatedAt: now},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, updated.Version)

		_, err = store.Commit(ctx, Mutation{Instance: saved, ExpectedVersion: 1})
		assert.True(t, model.IsCode(err, model.ErrConflict), "stale commit error = %v", err)

		got, err := store.GetInstance(ctx, "tenant-1", "pg-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"end"}, got.CurrentNodeIDs)
		assert.Equal(t, "val", got.Context["key"])

		timers, err := store.FindDueTimerTasks(ctx, now, 10)
		require.NoError(t, err)
		require.Len(t, timers, 1)
		assert.Equal(t, "pg-t1", timers[0].ID)

		events, err := store.ListEvents(ctx, "tenant-1", "pg-1")
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("outbox", func(t *testing.T) {
		pending, err := store.FetchUnprocessed(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1, "duplicate idempotency keys must collapse")

		require.NoError(t, store.RecordFailure(ctx, pending[0].ID, 1, "broker down"))
		changed, err := store.MarkProcessed(ctx, pending[0].ID, now, "")
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = store.MarkProcessed(ctx, pending[0].ID, now, "")
		require.NoError(t, err)
		assert.False(t, changed)

		pending, err = store.FetchUnprocessed(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("runtime round trip", func(t *testing.T) {
		def := model.WorkflowDefinition{ID: "linear", TenantID: "tenant-1", Version: 1, DSL: json.RawMessage(linearDSL), IsPublished: true}
		require.NoError(t, store.SaveDefinition(ctx, def))

		rt := NewRuntime(store, definition.NewRegistry(store, time.Minute), action.NewRegistry(nil, action.Noop{}))
		inst, err := rt.Start(testCtx(), "linear", json.RawMessage(`{"amount": 10}`), "")
		require.NoError(t, err)
		assert.Equal(t, []string{"review"}, inst.CurrentNodeIDs)

		done, err := rt.CompleteTask(testCtx(), CompleteTaskRequest{InstanceID: inst.ID, NodeID: "review", Data: json.RawMessage(`{"ok": true}`)})
		require.NoError(t, err)
		assert.Equal(t, model.InstanceStatusCompleted, done.Status)

		tasks, err := rt.Tasks(testCtx(), inst.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, model.TaskStatusCompleted, tasks[0].Status)
	})
}
