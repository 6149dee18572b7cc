package queue

import (
	"fmt"
	"time"
)

// CountByStatus returns the number of work items in each lifecycle state.
// States with no items are absent from the map.
func (s *Store) CountByStatus() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// PendingDepth returns the number of pending items already eligible to run,
// excluding items scheduled for the future.
func (s *Store) PendingDepth(now time.Time) (int, error) {
	var depth int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM work_items
		WHERE status = ? AND scheduled_at <= ?`,
		string(StatusPending), now.UnixMilli(),
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to measure queue depth: %w", err)
	}
	return depth, nil
}

// List returns work items filtered by status, newest first. An empty status
// returns items in every state.
func (s *Store) List(status Status, limit int) ([]*WorkItem, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + workItemColumns + ` FROM work_items`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListRecent returns the most recently finished items across all terminal
// states, ordered by completion time.
func (s *Store) ListRecent(limit int) ([]*WorkItem, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT `+workItemColumns+` FROM work_items
		WHERE status IN (?, ?, ?)
		ORDER BY execution_completed_at DESC
		LIMIT ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent executions: %w", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListTerminalSince returns items that finished at or after the cutoff, used
// for execution statistics windows.
func (s *Store) ListTerminalSince(since time.Time, limit int) ([]*WorkItem, error) {
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.db.Query(`
		SELECT `+workItemColumns+` FROM work_items
		WHERE status IN (?, ?, ?) AND execution_completed_at >= ?
		ORDER BY execution_completed_at DESC
		LIMIT ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled),
		since.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list finished work items: %w", err)
	}
	defer rows.Close()

	var items []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan work item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
