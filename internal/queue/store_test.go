package queue

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
	CREATE TABLE command_definitions (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT '',
		active     INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE work_items (
		id                     TEXT PRIMARY KEY,
		command_id             TEXT NOT NULL DEFAULT '',
		target_table           TEXT NOT NULL DEFAULT '',
		operation              TEXT NOT NULL DEFAULT '',
		priority               INTEGER NOT NULL DEFAULT 0,
		status                 TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
		scheduled_at           INTEGER NOT NULL,
		retry_count            INTEGER NOT NULL DEFAULT 0,
		max_retries            INTEGER NOT NULL DEFAULT 0,
		input                  TEXT NOT NULL DEFAULT '',
		result                 TEXT NOT NULL DEFAULT '',
		error                  TEXT NOT NULL DEFAULT '',
		total_records          INTEGER NOT NULL DEFAULT 0,
		processed_records      INTEGER NOT NULL DEFAULT 0,
		failed_records         INTEGER NOT NULL DEFAULT 0,
		cancel_requested       INTEGER NOT NULL DEFAULT 0,
		pause_requested        INTEGER NOT NULL DEFAULT 0,
		created_at             INTEGER NOT NULL,
		execution_started_at   INTEGER,
		execution_completed_at INTEGER,
		CHECK (processed_records + failed_records <= total_records OR total_records = 0),
		CHECK (retry_count <= max_retries)
	);
`

func newTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the in-memory database shared across goroutines.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	return NewStore(db, zerolog.New(nil).Level(zerolog.Disabled))
}

func mustClaimOne(t *testing.T, store *Store) *WorkItem {
	t.Helper()
	claimed, err := store.ClaimNext(1, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestCreate_FillsDefaults(t *testing.T) {
	store := newTestStore(t)

	item := &WorkItem{CommandID: "coin_recognition"}
	require.NoError(t, store.Create(item))
	require.NotEmpty(t, item.ID)

	loaded, err := store.Get(item.ID)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, "coin_recognition", loaded.CommandID)
	assert.Equal(t, loaded.CreatedAt, loaded.ScheduledAt)
	assert.Nil(t, loaded.ExecutionStartedAt)
	assert.Nil(t, loaded.ExecutionCompletedAt)
}

func TestCreate_ValidatesShape(t *testing.T) {
	store := newTestStore(t)

	err := store.Create(&WorkItem{})
	assert.Error(t, err)

	err = store.Create(&WorkItem{Operation: "resize", TargetTable: "coins"})
	assert.Error(t, err)

	err = store.Create(&WorkItem{Operation: BulkUpdate})
	assert.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimNext_OrdersByPriorityThenAge(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Minute)

	low := &WorkItem{CommandID: "a", Priority: PriorityLow, CreatedAt: base}
	high := &WorkItem{CommandID: "b", Priority: PriorityHigh, CreatedAt: base.Add(2 * time.Second)}
	oldHigh := &WorkItem{CommandID: "c", Priority: PriorityHigh, CreatedAt: base.Add(time.Second)}
	require.NoError(t, store.Create(low))
	require.NoError(t, store.Create(high))
	require.NoError(t, store.Create(oldHigh))

	claimed, err := store.ClaimNext(3, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	assert.Equal(t, oldHigh.ID, claimed[0].ID)
	assert.Equal(t, high.ID, claimed[1].ID)
	assert.Equal(t, low.ID, claimed[2].ID)

	for _, item := range claimed {
		assert.Equal(t, StatusRunning, item.Status)
		assert.NotNil(t, item.ExecutionStartedAt)
	}
}

func TestClaimNext_SkipsFutureScheduled(t *testing.T) {
	store := newTestStore(t)

	future := &WorkItem{CommandID: "later", ScheduledAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.Create(future))

	claimed, err := store.ClaimNext(5, time.Now())
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = store.ClaimNext(5, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
}

// TestClaimNext_ExclusiveUnderContention hammers the claim path from many
// goroutines and verifies no item is ever claimed twice.
func TestClaimNext_ExclusiveUnderContention(t *testing.T) {
	store := newTestStore(t)

	const itemCount = 30
	for i := 0; i < itemCount; i++ {
		require.NoError(t, store.Create(&WorkItem{CommandID: "storm"}))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := store.ClaimNext(3, time.Now())
				require.NoError(t, err)
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, item := range items {
					claimed[item.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, itemCount)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "item %s claimed %d times", id, count)
	}
}

func TestMarkCompleted_SetsResultAndClearsError(t *testing.T) {
	store := newTestStore(t)

	item := &WorkItem{CommandID: "cmd"}
	require.NoError(t, store.Create(item))
	mustClaimOne(t, store)

	require.NoError(t, store.MarkCompleted(item.ID, map[string]interface{}{"count": 3.0}))

	loaded, err := store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	assert.Equal(t, 3.0, loaded.Result["count"])
	assert.Empty(t, loaded.Error)
	assert.NotNil(t, loaded.ExecutionCompletedAt)
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	store := newTestStore(t)

	item := &WorkItem{CommandID: "cmd"}
	require.NoError(t, store.Create(item))
	mustClaimOne(t, store)
	require.NoError(t, store.MarkFailed(item.ID, "boom"))

	assert.ErrorIs(t, store.MarkCompleted(item.ID, nil), ErrStaleTransition)
	assert.ErrorIs(t, store.MarkCancelled(item.ID), ErrStaleTransition)
	assert.ErrorIs(t, store.Requeue(item.ID, time.Now()), ErrStaleTransition)
	assert.ErrorIs(t, store.CancelPending(item.ID), ErrStaleTransition)

	loaded, err := store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
	assert.Equal(t, "boom", loaded.Error)
	assert.Empty(t, loaded.Result)
}

func TestRequeue_ConsumesRetryBudget(t *testing.T) {
	store := newTestStore(t)

	item := &WorkItem{CommandID: "flaky", MaxRetries: 2}
	require.NoError(t, store.Create(item))

	for attempt := 1; attempt <= 2; attempt++ {
		mustClaimOne(t, store)
		require.NoError(t, store.Requeue(item.ID, time.Now()))

		loaded, err := store.Get(item.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, loaded.Status)
		assert.Equal(t, attempt, loaded.RetryCount)
		assert.Nil(t, loaded.ExecutionStartedAt)
	}

	// Budget exhausted; the guard refuses a third requeue.
	mustClaimOne(t, store)
	assert.ErrorIs(t, store.Requeue(item.ID, time.Now()), ErrStaleTransition)
}

func TestAddProgress_MonotonicWithinTotal(t *testing.T) {
	store := newTestStore(t)

	item := &WorkItem{Operation: BulkUpdate, TargetTable: "coins"}
	require.NoError(t, store.Create(item))
	mustClaimOne(t, store)

	require.NoError(t, store.SetTotalRecords(item.ID, 10))
	require.NoError(t, store.AddProgress(item.ID, 4, 1))
	require.NoError(t, store.AddProgress(item.ID, 5, 0))

	loaded, err := store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.ProcessedRecords)
	assert.Equal(t, 1, loaded.FailedRecords)

	// Exceeding total fails the guard without changing counters.
	assert.ErrorIs(t, store.AddProgress(item.ID, 2, 0), ErrStaleTransition)
	assert.Error(t, store.AddProgress(item.ID, -1, 0))

	loaded, err = store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.ProcessedRecords)
}

func TestSetTotalRecords_OnlyOnce(t *testing.T) {
	store := newTestStore(t)

	item := &WorkItem{Operation: BulkExport, TargetTable: "coins"}
	require.NoError(t, store.Create(item))

	// Not running yet.
	assert.ErrorIs(t, store.SetTotalRecords(item.ID, 5), ErrStaleTransition)

	mustClaimOne(t, store)
	require.NoError(t, store.SetTotalRecords(item.ID, 5))
	assert.ErrorIs(t, store.SetTotalRecords(item.ID, 7), ErrStaleTransition)
}

func TestCancelPending(t *testing.T) {
	store := newTestStore(t)

	item := &WorkItem{CommandID: "cmd"}
	require.NoError(t, store.Create(item))
	require.NoError(t, store.CancelPending(item.ID))

	loaded, err := store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, loaded.Status)
}

func TestCancelRunning_PreservesProgress(t *testing.T) {
	store := newTestStore(t)

	item := &WorkItem{Operation: BulkDelete, TargetTable: "listings"}
	require.NoError(t, store.Create(item))
	mustClaimOne(t, store)
	require.NoError(t, store.SetTotalRecords(item.ID, 20))
	require.NoError(t, store.AddProgress(item.ID, 10, 2))

	require.NoError(t, store.RequestCancel(item.ID))
	cancel, pause, err := store.ControlFlags(item.ID)
	require.NoError(t, err)
	assert.True(t, cancel)
	assert.False(t, pause)

	require.NoError(t, store.MarkCancelled(item.ID))

	loaded, err := store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, loaded.Status)
	assert.Equal(t, 10, loaded.ProcessedRecords)
	assert.Equal(t, 2, loaded.FailedRecords)
}

func TestRequestPause_Toggles(t *testing.T) {
	store := newTestStore(t)

	item := &WorkItem{Operation: BulkImport, TargetTable: "coins"}
	require.NoError(t, store.Create(item))
	mustClaimOne(t, store)

	require.NoError(t, store.RequestPause(item.ID, true))
	_, pause, err := store.ControlFlags(item.ID)
	require.NoError(t, err)
	assert.True(t, pause)

	require.NoError(t, store.RequestPause(item.ID, false))
	_, pause, err = store.ControlFlags(item.ID)
	require.NoError(t, err)
	assert.False(t, pause)
}

func TestReactivate_FromFailedOnly(t *testing.T) {
	store := newTestStore(t)

	item := &WorkItem{CommandID: "cmd", MaxRetries: 1}
	require.NoError(t, store.Create(item))

	// Pending items cannot be reactivated.
	assert.ErrorIs(t, store.Reactivate(item.ID, false), ErrStaleTransition)

	mustClaimOne(t, store)
	require.NoError(t, store.Requeue(item.ID, time.Now()))
	mustClaimOne(t, store)
	require.NoError(t, store.MarkFailed(item.ID, "exhausted"))

	// Without a reset the budget is already spent.
	assert.ErrorIs(t, store.Reactivate(item.ID, false), ErrStaleTransition)

	require.NoError(t, store.Reactivate(item.ID, true))
	loaded, err := store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, 0, loaded.RetryCount)
	assert.Empty(t, loaded.Error)
}

func TestPruneTerminal(t *testing.T) {
	store := newTestStore(t)

	old := &WorkItem{CommandID: "old"}
	require.NoError(t, store.Create(old))
	mustClaimOne(t, store)
	require.NoError(t, store.MarkCompleted(old.ID, nil))

	recent := &WorkItem{CommandID: "recent"}
	require.NoError(t, store.Create(recent))
	mustClaimOne(t, store)
	require.NoError(t, store.MarkFailed(recent.ID, "x"))

	require.NoError(t, store.Create(&WorkItem{CommandID: "pending"}))

	// Age the first item artificially.
	_, err := store.db.Exec(`UPDATE work_items SET execution_completed_at = ? WHERE id = ?`,
		time.Now().AddDate(0, 0, -60).UnixMilli(), old.ID)
	require.NoError(t, err)

	pruned, err := store.PruneTerminal(time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = store.Get(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(recent.ID)
	assert.NoError(t, err)
}

func TestCountByStatusAndDepth(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(&WorkItem{CommandID: "cmd"}))
	}
	require.NoError(t, store.Create(&WorkItem{CommandID: "cmd", ScheduledAt: time.Now().Add(time.Hour)}))
	mustClaimOne(t, store)

	counts, err := store.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 3, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusRunning])

	depth, err := store.PendingDepth(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, depth, "future-scheduled items are not part of the depth")
}

func TestSyncCommandDefinitions_Upserts(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SyncCommandDefinitions([]CommandDefinition{
		{ID: "a", Name: "A", Category: "domain", Active: true},
		{ID: "b", Name: "B", Category: "maintenance", Active: false},
	}))
	require.NoError(t, store.SyncCommandDefinitions([]CommandDefinition{
		{ID: "a", Name: "A renamed", Category: "domain", Active: false},
	}))

	defs, err := store.ListCommandDefinitions()
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "A renamed", defs[0].Name)
	assert.False(t, defs[0].Active)
}
