package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// storeRetryAttempts is the local retry budget for transient store errors
// (locked database, busy writer). These are infrastructure hiccups, never
// surfaced as work item failures.
const storeRetryAttempts = 3

// storeRetryDelay is the pause between local store retries.
const storeRetryDelay = 50 * time.Millisecond

// workItemColumns is the column list used by every work item SELECT, kept in
// one place so scans stay in sync.
const workItemColumns = `
	id, command_id, target_table, operation, priority, status, scheduled_at,
	retry_count, max_retries, input, result, error,
	total_records, processed_records, failed_records,
	cancel_requested, pause_requested,
	created_at, execution_started_at, execution_completed_at`

// Store owns work_items and command_definitions persistence. Every state
// transition is a single conditional UPDATE keyed by the current expected
// status, which makes transitions safe under concurrent schedulers and workers
// without any in-process locking.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a new work item store.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "work_item_store").Logger(),
	}
}

// Create persists a new work item in pending state.
// Fills in ID, CreatedAt and ScheduledAt when unset.
func (s *Store) Create(item *WorkItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = item.CreatedAt
	}
	item.Status = StatusPending

	if item.IsBulk() {
		if !item.Operation.Valid() {
			return fmt.Errorf("invalid bulk operation %q", item.Operation)
		}
		if item.TargetTable == "" {
			return fmt.Errorf("bulk operation requires a target table")
		}
	} else if item.CommandID == "" {
		return fmt.Errorf("work item requires a command id")
	}

	input, err := marshalPayload(item.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input payload: %w", err)
	}

	return s.withRetry("create", func() error {
		_, err := s.db.Exec(`
			INSERT INTO work_items (
				id, command_id, target_table, operation, priority, status,
				scheduled_at, retry_count, max_retries, input,
				total_records, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			item.ID, item.CommandID, item.TargetTable, string(item.Operation),
			int(item.Priority), string(StatusPending),
			item.ScheduledAt.UnixMilli(), item.RetryCount, item.MaxRetries,
			input, item.TotalRecords, item.CreatedAt.UnixMilli(),
		)
		return err
	})
}

// Get retrieves a work item by id.
func (s *Store) Get(id string) (*WorkItem, error) {
	row := s.db.QueryRow(`SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work item %s: %w", id, err)
	}
	return item, nil
}

// ClaimNext atomically claims up to limit eligible pending items, ordered by
// (priority DESC, scheduled_at ASC, created_at ASC). Each claim is a
// conditional "running if still pending" update stamped with
// execution_started_at; a claim that loses a race is skipped silently, so
// concurrent schedulers never double-claim and never observe an error for
// expected contention.
func (s *Store) ClaimNext(limit int, now time.Time) ([]*WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT id FROM work_items
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY priority DESC, scheduled_at ASC, created_at ASC
		LIMIT ?
	`, string(StatusPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select eligible work items: %w", err)
	}

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan candidate id: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("failed to close candidate rows: %w", err)
	}

	claimed := make([]*WorkItem, 0, len(candidates))
	startedAt := now.UnixMilli()

	for _, id := range candidates {
		res, err := s.db.Exec(`
			UPDATE work_items
			SET status = ?, execution_started_at = ?
			WHERE id = ? AND status = ?
		`, string(StatusRunning), startedAt, id, string(StatusPending))
		if err != nil {
			return claimed, fmt.Errorf("failed to claim work item %s: %w", id, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("failed to read claim result for %s: %w", id, err)
		}
		if affected == 0 {
			// Lost the claim race, another scheduler got it first.
			continue
		}

		item, err := s.Get(id)
		if err != nil {
			return claimed, fmt.Errorf("failed to load claimed item %s: %w", id, err)
		}
		claimed = append(claimed, item)
	}

	return claimed, nil
}

// MarkCompleted transitions a running item to completed with its result payload.
func (s *Store) MarkCompleted(id string, result map[string]interface{}) error {
	payload, err := marshalPayload(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result payload: %w", err)
	}

	return s.conditionalUpdate("complete", id, `
		UPDATE work_items
		SET status = ?, result = ?, error = '', execution_completed_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusCompleted), payload, time.Now().UnixMilli(), id, string(StatusRunning))
}

// MarkFailed transitions a running item to terminal failed with its error message.
func (s *Store) MarkFailed(id string, errMsg string) error {
	return s.conditionalUpdate("fail", id, `
		UPDATE work_items
		SET status = ?, error = ?, result = '', execution_completed_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusFailed), errMsg, time.Now().UnixMilli(), id, string(StatusRunning))
}

// Requeue returns a running item to pending for a later retry attempt:
// retry_count increments, the next eligible time moves to scheduledAt, and the
// execution lease (started_at) is released. The retry budget guard is part of
// the WHERE clause so a concurrent exhausted item can never slip back to pending.
func (s *Store) Requeue(id string, scheduledAt time.Time) error {
	return s.conditionalUpdate("requeue", id, `
		UPDATE work_items
		SET status = ?, retry_count = retry_count + 1, scheduled_at = ?,
		    execution_started_at = NULL
		WHERE id = ? AND status = ? AND retry_count < max_retries
	`, string(StatusPending), scheduledAt.UnixMilli(), id, string(StatusRunning))
}

// CancelPending cancels a pending item directly; no handler is involved.
func (s *Store) CancelPending(id string) error {
	return s.conditionalUpdate("cancel_pending", id, `
		UPDATE work_items
		SET status = ?, execution_completed_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusCancelled), time.Now().UnixMilli(), id, string(StatusPending))
}

// MarkCancelled transitions a running item to terminal cancelled, preserving
// progress counters. Called by the worker once the handler has observed the
// cancellation signal.
func (s *Store) MarkCancelled(id string) error {
	return s.conditionalUpdate("cancel_running", id, `
		UPDATE work_items
		SET status = ?, execution_completed_at = ?
		WHERE id = ? AND status = ?
	`, string(StatusCancelled), time.Now().UnixMilli(), id, string(StatusRunning))
}

// RequestCancel flags a running item for cooperative cancellation. Handlers
// poll the flag at safe points (between bulk chunks).
func (s *Store) RequestCancel(id string) error {
	return s.conditionalUpdate("request_cancel", id, `
		UPDATE work_items SET cancel_requested = 1
		WHERE id = ? AND status = ?
	`, id, string(StatusRunning))
}

// RequestPause sets or clears the cooperative pause flag on a running item.
// A paused item stays running but stops claiming new chunks.
func (s *Store) RequestPause(id string, paused bool) error {
	flag := 0
	if paused {
		flag = 1
	}
	return s.conditionalUpdate("request_pause", id, `
		UPDATE work_items SET pause_requested = ?
		WHERE id = ? AND status = ?
	`, flag, id, string(StatusRunning))
}

// ControlFlags reads the cooperative cancel/pause flags for an item.
func (s *Store) ControlFlags(id string) (cancel bool, pause bool, err error) {
	var c, p int
	err = s.db.QueryRow(`SELECT cancel_requested, pause_requested FROM work_items WHERE id = ?`, id).Scan(&c, &p)
	if err == sql.ErrNoRows {
		return false, false, ErrNotFound
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read control flags for %s: %w", id, err)
	}
	return c == 1, p == 1, nil
}

// AddProgress atomically adds chunk results to the running totals. The
// monotonicity guard (sum never exceeds total) is part of the WHERE clause.
func (s *Store) AddProgress(id string, processedDelta, failedDelta int) error {
	if processedDelta < 0 || failedDelta < 0 {
		return fmt.Errorf("progress deltas must be non-negative")
	}
	return s.conditionalUpdate("progress", id, `
		UPDATE work_items
		SET processed_records = processed_records + ?,
		    failed_records = failed_records + ?
		WHERE id = ? AND status = ?
		  AND processed_records + failed_records + ? + ? <= total_records
	`, processedDelta, failedDelta, id, string(StatusRunning), processedDelta, failedDelta)
}

// SetTotalRecords stamps the record count once a bulk operation has resolved
// its target set. Only valid while the item is running and still at zero.
func (s *Store) SetTotalRecords(id string, total int) error {
	return s.conditionalUpdate("set_total", id, `
		UPDATE work_items SET total_records = ?
		WHERE id = ? AND status = ? AND total_records = 0
	`, total, id, string(StatusRunning))
}

// Reactivate returns a terminally failed item to pending for an
// operator-initiated retry. When resetRetries is set the retry budget starts
// over; either way the item flows through the exact same scheduler/worker/retry
// path as any other pending item.
func (s *Store) Reactivate(id string, resetRetries bool) error {
	if resetRetries {
		return s.conditionalUpdate("reactivate", id, `
			UPDATE work_items
			SET status = ?, retry_count = 0, error = '', result = '',
			    scheduled_at = ?, execution_started_at = NULL, execution_completed_at = NULL
			WHERE id = ? AND status = ?
		`, string(StatusPending), time.Now().UnixMilli(), id, string(StatusFailed))
	}
	return s.conditionalUpdate("reactivate", id, `
		UPDATE work_items
		SET status = ?, error = '', result = '',
		    scheduled_at = ?, execution_started_at = NULL, execution_completed_at = NULL
		WHERE id = ? AND status = ? AND retry_count < max_retries
	`, string(StatusPending), time.Now().UnixMilli(), id, string(StatusFailed))
}

// PruneTerminal deletes terminal items older than the cutoff. Returns the
// number of rows removed. Used by the history cleanup maintenance command.
func (s *Store) PruneTerminal(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM work_items
		WHERE status IN (?, ?, ?) AND execution_completed_at < ?
	`, string(StatusCompleted), string(StatusFailed), string(StatusCancelled), olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune terminal work items: %w", err)
	}
	return res.RowsAffected()
}

// SyncCommandDefinitions upserts the registry's definitions so the store holds
// a durable record of every configured command.
func (s *Store) SyncCommandDefinitions(defs []CommandDefinition) error {
	now := time.Now().UnixMilli()
	for _, def := range defs {
		active := 0
		if def.Active {
			active = 1
		}
		_, err := s.db.Exec(`
			INSERT INTO command_definitions (id, name, category, active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				category = excluded.category,
				active = excluded.active,
				updated_at = excluded.updated_at
		`, def.ID, def.Name, def.Category, active, now, now)
		if err != nil {
			return fmt.Errorf("failed to sync command definition %s: %w", def.ID, err)
		}
	}
	return nil
}

// ListCommandDefinitions returns all persisted command definitions.
func (s *Store) ListCommandDefinitions() ([]CommandDefinition, error) {
	rows, err := s.db.Query(`SELECT id, name, category, active FROM command_definitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list command definitions: %w", err)
	}
	defer rows.Close()

	var defs []CommandDefinition
	for rows.Next() {
		var def CommandDefinition
		var active int
		if err := rows.Scan(&def.ID, &def.Name, &def.Category, &active); err != nil {
			return nil, fmt.Errorf("failed to scan command definition: %w", err)
		}
		def.Active = active == 1
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// conditionalUpdate executes a status-keyed UPDATE with local bounded retries
// for transient store errors. Zero affected rows means the item was not in the
// expected status (or the guard failed) and surfaces as ErrStaleTransition.
func (s *Store) conditionalUpdate(op, id, query string, args ...interface{}) error {
	return s.withRetry(op, func() error {
		res, err := s.db.Exec(query, args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%s %s: %w", op, id, ErrStaleTransition)
		}
		return nil
	})
}

// withRetry retries fn on transient sqlite contention errors. Stale-transition
// results are returned immediately; they are final, not transient.
func (s *Store) withRetry(op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < storeRetryAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		s.log.Debug().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Msg("Transient store error, retrying")
		time.Sleep(storeRetryDelay)
	}
	return fmt.Errorf("store operation %s failed after %d attempts: %w", op, storeRetryAttempts, err)
}

// isTransient reports whether an error looks like sqlite writer contention.
func isTransient(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// marshalPayload serializes a payload map to its stored JSON form.
// Empty maps are stored as empty strings so the result-XOR-error invariant is
// visible directly in the row.
func marshalPayload(payload map[string]interface{}) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// unmarshalPayload deserializes a stored JSON payload.
func unmarshalPayload(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanWorkItem.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanWorkItem scans a full work item row in workItemColumns order.
func scanWorkItem(row rowScanner) (*WorkItem, error) {
	var (
		item                   WorkItem
		operation              string
		priority               int
		status                 string
		scheduledAt, createdAt int64
		input, result          string
		cancelReq, pauseReq    int
		startedAt, completedAt sql.NullInt64
	)

	err := row.Scan(
		&item.ID, &item.CommandID, &item.TargetTable, &operation, &priority,
		&status, &scheduledAt, &item.RetryCount, &item.MaxRetries,
		&input, &result, &item.Error,
		&item.TotalRecords, &item.ProcessedRecords, &item.FailedRecords,
		&cancelReq, &pauseReq, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Operation = BulkOperation(operation)
	item.Priority = Priority(priority)
	item.Status = Status(status)
	item.ScheduledAt = time.UnixMilli(scheduledAt).UTC()
	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	item.CancelRequested = cancelReq == 1
	item.PauseRequested = pauseReq == 1

	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64).UTC()
		item.ExecutionStartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		item.ExecutionCompletedAt = &t
	}

	if item.Input, err = unmarshalPayload(input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input payload: %w", err)
	}
	if item.Result, err = unmarshalPayload(result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result payload: %w", err)
	}

	return &item, nil
}
