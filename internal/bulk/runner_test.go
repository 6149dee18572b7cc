package bulk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/database"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
	testingpkg "github.com/IrisGuard/coin-ai-market-sub001/internal/testing"
)

type bulkFixture struct {
	store  *queue.Store
	source *SQLSource
	runner *Runner
	market *database.DB
}

func newBulkFixture(t *testing.T, chunkSize int) *bulkFixture {
	t.Helper()

	log := testingpkg.NopLogger()

	engineDB, engineCleanup := testingpkg.NewTestDB(t, "engine")
	t.Cleanup(engineCleanup)
	marketDB, marketCleanup := testingpkg.NewTestDB(t, "marketplace")
	t.Cleanup(marketCleanup)

	store := queue.NewStore(engineDB.Conn(), log)
	source := NewSQLSource(marketDB.Conn(), []string{"coins", "listings"}, log)
	runner := NewRunner(store, source, chunkSize, t.TempDir(), log)
	runner.pausePoll = 5 * time.Millisecond

	return &bulkFixture{store: store, source: source, runner: runner, market: marketDB}
}

func (f *bulkFixture) seedCoins(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.market.Conn().Exec(
			`INSERT INTO coins (id, name, year, country, grade, price, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			fmt.Sprintf("coin-%03d", i), fmt.Sprintf("Drachma %d", i),
			1900+i, "Greece", "AU", 50.0+float64(i), time.Now().UnixMilli(),
		)
		require.NoError(t, err)
	}
}

// startBulkItem persists a bulk work item and claims it, mirroring what the
// scheduler does before handing it to the runner.
func (f *bulkFixture) startBulkItem(t *testing.T, op queue.BulkOperation, table string, input map[string]interface{}) *queue.WorkItem {
	t.Helper()

	item := &queue.WorkItem{Operation: op, TargetTable: table, Input: input}
	require.NoError(t, f.store.Create(item))

	claimed, err := f.store.ClaimNext(1, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func (f *bulkFixture) countCoins(t *testing.T, where string, args ...interface{}) int {
	t.Helper()
	query := `SELECT COUNT(*) FROM coins`
	if where != "" {
		query += ` WHERE ` + where
	}
	var count int
	require.NoError(t, f.market.Conn().QueryRow(query, args...).Scan(&count))
	return count
}

func nopReporter(id string) *queue.ProgressReporter {
	return queue.NewProgressReporter(nil, id, "")
}

func TestRunner_UpdateAppliesPatchToAllRecords(t *testing.T) {
	f := newBulkFixture(t, 10)
	f.seedCoins(t, 25)

	item := f.startBulkItem(t, queue.BulkUpdate, "coins", map[string]interface{}{
		"set": map[string]interface{}{"grade": "MS65", "recognized": 1},
	})

	result, err := f.runner.Run(context.Background(), item, nopReporter(item.ID))
	require.NoError(t, err)

	assert.Equal(t, 25, result["total_records"])
	assert.Equal(t, 25, result["processed_records"])
	assert.Equal(t, 0, result["failed_records"])
	assert.Equal(t, 25, f.countCoins(t, `grade = ?`, "MS65"))

	// Only the patched columns changed.
	assert.Equal(t, 25, f.countCoins(t, `country = ?`, "Greece"))

	loaded, err := f.store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, loaded.TotalRecords)
	assert.Equal(t, 25, loaded.ProcessedRecords)
}

func TestRunner_UpdateRejectsBadPatch(t *testing.T) {
	f := newBulkFixture(t, 10)
	f.seedCoins(t, 5)

	tests := []struct {
		name  string
		input map[string]interface{}
	}{
		{"missing set", map[string]interface{}{}},
		{"empty set", map[string]interface{}{"set": map[string]interface{}{}}},
		{"set rewrites id", map[string]interface{}{
			"set": map[string]interface{}{"id": "hijacked"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := f.startBulkItem(t, queue.BulkUpdate, "coins", tt.input)
			_, err := f.runner.Run(context.Background(), item, nopReporter(item.ID))
			require.Error(t, err)
			assert.True(t, queue.IsNonRetryable(err))
		})
	}
}

func TestRunner_DeleteDrainsTable(t *testing.T) {
	f := newBulkFixture(t, 10)
	f.seedCoins(t, 23)

	item := f.startBulkItem(t, queue.BulkDelete, "coins", nil)

	result, err := f.runner.Run(context.Background(), item, nopReporter(item.ID))
	require.NoError(t, err)

	assert.Equal(t, 23, result["processed_records"])
	assert.Equal(t, 0, f.countCoins(t, ""))
}

func TestRunner_ImportInsertsPayloadRecords(t *testing.T) {
	f := newBulkFixture(t, 3)

	records := []interface{}{
		map[string]interface{}{"id": "c1", "name": "Obol", "created_at": 1},
		map[string]interface{}{"id": "c2", "name": "Stater", "created_at": 2},
		map[string]interface{}{"id": "c1", "name": "Duplicate", "created_at": 3},
		map[string]interface{}{"id": "c3", "name": "Tetradrachm", "created_at": 4},
	}
	item := f.startBulkItem(t, queue.BulkImport, "coins", map[string]interface{}{
		"records": records,
	})

	result, err := f.runner.Run(context.Background(), item, nopReporter(item.ID))
	require.NoError(t, err)

	// The duplicate id fails its insert and is counted, not fatal.
	assert.Equal(t, 4, result["total_records"])
	assert.Equal(t, 3, result["processed_records"])
	assert.Equal(t, 1, result["failed_records"])
	assert.Equal(t, 3, f.countCoins(t, ""))
}

func TestRunner_ImportRejectsMalformedPayload(t *testing.T) {
	f := newBulkFixture(t, 10)

	tests := []struct {
		name  string
		input map[string]interface{}
	}{
		{"missing records", map[string]interface{}{}},
		{"records not a list", map[string]interface{}{"records": "nope"}},
		{"record not an object", map[string]interface{}{"records": []interface{}{"nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := f.startBulkItem(t, queue.BulkImport, "coins", tt.input)
			_, err := f.runner.Run(context.Background(), item, nopReporter(item.ID))
			require.Error(t, err)
			assert.True(t, queue.IsNonRetryable(err))
		})
	}
}

func TestRunner_UnknownTableFailsTerminally(t *testing.T) {
	f := newBulkFixture(t, 10)

	item := f.startBulkItem(t, queue.BulkDelete, "users", nil)
	_, err := f.runner.Run(context.Background(), item, nopReporter(item.ID))
	require.Error(t, err)
	assert.True(t, queue.IsNonRetryable(err))
}

func TestRunner_CancelStopsAtChunkBoundary(t *testing.T) {
	f := newBulkFixture(t, 10)
	f.seedCoins(t, 30)

	item := f.startBulkItem(t, queue.BulkUpdate, "coins", map[string]interface{}{
		"set": map[string]interface{}{"grade": "MS65"},
	})

	// Request cancellation right after the first chunk is fetched; the
	// checkpoint before the second chunk observes it.
	source := &hookSource{RecordSource: f.source}
	source.afterFetch = func(fetches int) {
		if fetches == 1 {
			require.NoError(t, f.store.RequestCancel(item.ID))
		}
	}
	f.runner.source = source

	_, err := f.runner.Run(context.Background(), item, nopReporter(item.ID))
	assert.ErrorIs(t, err, context.Canceled)

	loaded, err := f.store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.ProcessedRecords, "exactly one full chunk persisted")
	assert.Equal(t, 10, f.countCoins(t, `grade = ?`, "MS65"))
}

func TestRunner_MidChunkAbortCountsOnlyFullChunks(t *testing.T) {
	f := newBulkFixture(t, 10)
	f.seedCoins(t, 30)

	item := f.startBulkItem(t, queue.BulkUpdate, "coins", map[string]interface{}{
		"set": map[string]interface{}{"grade": "MS65"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Kill the context partway through the second chunk.
	source := &hookSource{RecordSource: f.source}
	source.beforeApply = func(applies int) {
		if applies == 14 {
			cancel()
		}
	}
	f.runner.source = source

	_, err := f.runner.Run(ctx, item, nopReporter(item.ID))
	assert.ErrorIs(t, err, context.Canceled)

	loaded, err := f.store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.ProcessedRecords, "partial second chunk is not counted")
}

func TestRunner_PauseHoldsBetweenChunks(t *testing.T) {
	f := newBulkFixture(t, 10)
	f.seedCoins(t, 30)

	item := f.startBulkItem(t, queue.BulkUpdate, "coins", map[string]interface{}{
		"set": map[string]interface{}{"grade": "MS65"},
	})

	source := &hookSource{RecordSource: f.source}
	source.afterFetch = func(fetches int) {
		if fetches == 1 {
			require.NoError(t, f.store.RequestPause(item.ID, true))
		}
	}
	f.runner.source = source

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.Run(context.Background(), item, nopReporter(item.ID))
		done <- err
	}()

	// Wait for the first chunk to land, then verify the runner holds.
	waitForProgress(t, f.store, item.ID, 10)
	time.Sleep(50 * time.Millisecond)

	loaded, err := f.store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusRunning, loaded.Status, "paused items stay running")
	assert.Equal(t, 10, loaded.ProcessedRecords)

	require.NoError(t, f.store.RequestPause(item.ID, false))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner never resumed after unpause")
	}

	loaded, err = f.store.Get(item.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, loaded.ProcessedRecords)
}

func TestRunner_ResumesFromPersistedOffset(t *testing.T) {
	f := newBulkFixture(t, 10)
	f.seedCoins(t, 25)

	item := f.startBulkItem(t, queue.BulkUpdate, "coins", map[string]interface{}{
		"set": map[string]interface{}{"grade": "MS65"},
	})

	// Simulate an earlier attempt that completed one chunk before dying.
	require.NoError(t, f.store.SetTotalRecords(item.ID, 25))
	require.NoError(t, f.store.AddProgress(item.ID, 10, 0))
	resumed, err := f.store.Get(item.ID)
	require.NoError(t, err)

	source := &hookSource{RecordSource: f.source}
	f.runner.source = source

	result, err := f.runner.Run(context.Background(), resumed, nopReporter(item.ID))
	require.NoError(t, err)

	assert.Equal(t, 25, result["processed_records"])
	// 15 remaining records in chunks of 10 means two more fetches, never a
	// re-fetch of the already-covered offset range.
	assert.Equal(t, 2, source.fetches)
	assert.Equal(t, 15, source.applies)
}

func waitForProgress(t *testing.T, store *queue.Store, id string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		item, err := store.Get(id)
		require.NoError(t, err)
		if item.ProcessedRecords+item.FailedRecords >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("item %s never reached %d processed records", id, want)
}

// hookSource wraps a RecordSource with per-call hooks for steering tests.
type hookSource struct {
	RecordSource
	fetches     int
	applies     int
	afterFetch  func(fetches int)
	beforeApply func(applies int)
}

func (h *hookSource) FetchChunk(ctx context.Context, table string, offset, limit int) ([]Record, error) {
	records, err := h.RecordSource.FetchChunk(ctx, table, offset, limit)
	if err == nil {
		h.fetches++
		if h.afterFetch != nil {
			h.afterFetch(h.fetches)
		}
	}
	return records, err
}

func (h *hookSource) Apply(ctx context.Context, table string, op queue.BulkOperation, record Record) error {
	h.applies++
	if h.beforeApply != nil {
		h.beforeApply(h.applies)
	}
	return h.RecordSource.Apply(ctx, table, op, record)
}

func TestSQLSource_Whitelist(t *testing.T) {
	f := newBulkFixture(t, 10)

	assert.Equal(t, []string{"coins", "listings"}, f.source.Tables())

	_, err := f.source.Count(context.Background(), "sqlite_master")
	assert.ErrorIs(t, err, ErrUnknownTable)

	_, err = f.source.FetchChunk(context.Background(), "users", 0, 10)
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestSQLSource_FetchChunkOrdering(t *testing.T) {
	f := newBulkFixture(t, 10)
	f.seedCoins(t, 5)

	first, err := f.source.FetchChunk(context.Background(), "coins", 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, "coin-000", first[0]["id"])
	assert.Equal(t, "coin-002", first[2]["id"])

	rest, err := f.source.FetchChunk(context.Background(), "coins", 3, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "coin-003", rest[0]["id"])
}

func TestSQLSource_ApplyUpdateMissingRow(t *testing.T) {
	f := newBulkFixture(t, 10)

	err := f.source.Apply(context.Background(), "coins", queue.BulkUpdate,
		Record{"id": "ghost", "grade": "MS65"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no row with id")
}

