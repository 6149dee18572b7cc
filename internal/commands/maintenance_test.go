package commands

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/database"
	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
	testingpkg "github.com/IrisGuard/coin-ai-market-sub001/internal/testing"
)

type maintenanceFixture struct {
	store    *queue.Store
	registry *queue.Registry
	conn     *sql.DB
}

func newMaintenanceFixture(t *testing.T) *maintenanceFixture {
	t.Helper()

	db, cleanup := testingpkg.NewTestDB(t, "engine")
	t.Cleanup(cleanup)

	store := queue.NewStore(db.Conn(), testingpkg.NopLogger())
	registry := queue.NewRegistry()
	for _, reg := range Maintenance(store, nil, []*database.DB{db}, testingpkg.NopLogger()) {
		reg := reg
		registry.Register(&reg)
	}
	return &maintenanceFixture{store: store, registry: registry, conn: db.Conn()}
}

// backdateCompletion shifts a finished item's completion timestamp into the
// past so retention tests do not need to sleep.
func (f *maintenanceFixture) backdateCompletion(t *testing.T, id string, daysAgo int) {
	t.Helper()
	_, err := f.conn.Exec(
		`UPDATE work_items SET execution_completed_at = ? WHERE id = ?`,
		time.Now().AddDate(0, 0, -daysAgo).UnixMilli(), id,
	)
	require.NoError(t, err)
}

func TestHistoryCleanup_PrunesOldTerminalItems(t *testing.T) {
	f := newMaintenanceFixture(t)

	// Two completed items; one gets aged past the retention window.
	var ids []string
	for i := 0; i < 2; i++ {
		item := &queue.WorkItem{CommandID: "cmd"}
		require.NoError(t, f.store.Create(item))
		claimed, err := f.store.ClaimNext(1, time.Now())
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, f.store.MarkCompleted(claimed[0].ID, nil))
		ids = append(ids, claimed[0].ID)
	}

	old := ids[0]
	f.backdateCompletion(t, old, 10)

	reg, err := f.registry.Resolve(HistoryCleanupID)
	require.NoError(t, err)

	result, err := reg.Handler(context.Background(), &queue.WorkItem{
		Input: map[string]interface{}{"retention_days": 7.0},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), result["pruned"])
	assert.Equal(t, 7, result["retention_days"])

	_, err = f.store.Get(old)
	assert.ErrorIs(t, err, queue.ErrNotFound)

	_, err = f.store.Get(ids[1])
	assert.NoError(t, err)
}

func TestHistoryCleanup_DefaultRetention(t *testing.T) {
	f := newMaintenanceFixture(t)

	reg, err := f.registry.Resolve(HistoryCleanupID)
	require.NoError(t, err)

	result, err := reg.Handler(context.Background(), &queue.WorkItem{})
	require.NoError(t, err)
	assert.Equal(t, 30, result["retention_days"])
}

func TestValidateHistoryCleanup(t *testing.T) {
	f := newMaintenanceFixture(t)

	assert.NoError(t, f.registry.ValidateInput(HistoryCleanupID, nil))
	assert.NoError(t, f.registry.ValidateInput(HistoryCleanupID,
		map[string]interface{}{"retention_days": 14.0}))
	assert.Error(t, f.registry.ValidateInput(HistoryCleanupID,
		map[string]interface{}{"retention_days": 0.0}))
	assert.Error(t, f.registry.ValidateInput(HistoryCleanupID,
		map[string]interface{}{"retention_days": "soon"}))
}

func TestArchiveRotation_InactiveWithoutArchive(t *testing.T) {
	f := newMaintenanceFixture(t)

	_, err := f.registry.Resolve(ArchiveRotationID)
	assert.ErrorIs(t, err, queue.ErrUnknownCommand, "unconfigured archive leaves the command inactive")
}

func TestDatabaseMaintenance_ReportsStats(t *testing.T) {
	f := newMaintenanceFixture(t)

	reg, err := f.registry.Resolve(DatabaseMaintenanceID)
	require.NoError(t, err)

	result, err := reg.Handler(context.Background(), &queue.WorkItem{})
	require.NoError(t, err)

	engine, ok := result["engine"].(map[string]interface{})
	require.True(t, ok, "per-database stats keyed by name")
	pages, ok := engine["page_count"].(int64)
	require.True(t, ok)
	assert.Greater(t, pages, int64(0))
}

func TestDatabaseMaintenance_Vacuum(t *testing.T) {
	f := newMaintenanceFixture(t)

	reg, err := f.registry.Resolve(DatabaseMaintenanceID)
	require.NoError(t, err)

	_, err = reg.Handler(context.Background(), &queue.WorkItem{
		Input: map[string]interface{}{"vacuum": true},
	})
	assert.NoError(t, err)
}

func TestValidateDatabaseMaintenance(t *testing.T) {
	f := newMaintenanceFixture(t)

	assert.NoError(t, f.registry.ValidateInput(DatabaseMaintenanceID, nil))
	assert.NoError(t, f.registry.ValidateInput(DatabaseMaintenanceID,
		map[string]interface{}{"vacuum": false}))
	assert.Error(t, f.registry.ValidateInput(DatabaseMaintenanceID,
		map[string]interface{}{"vacuum": "yes"}))
}
