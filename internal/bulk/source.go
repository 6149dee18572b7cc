package bulk

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/queue"
)

// SQLSource is a RecordSource backed by a SQL database. Only whitelisted
// tables are reachable; every table is expected to carry a primary key column
// named id, which provides the stable chunk ordering.
type SQLSource struct {
	db     *sql.DB
	tables map[string]bool
	log    zerolog.Logger
}

// NewSQLSource creates a record source over db, restricted to the given
// tables.
func NewSQLSource(db *sql.DB, tables []string, log zerolog.Logger) *SQLSource {
	allowed := make(map[string]bool, len(tables))
	for _, t := range tables {
		allowed[t] = true
	}
	return &SQLSource{
		db:     db,
		tables: allowed,
		log:    log.With().Str("component", "bulk_source").Logger(),
	}
}

// Tables returns the whitelisted table names, sorted.
func (s *SQLSource) Tables() []string {
	names := make([]string, 0, len(s.tables))
	for t := range s.tables {
		names = append(names, t)
	}
	sort.Strings(names)
	return names
}

func (s *SQLSource) check(table string) error {
	if !s.tables[table] {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

// Count returns the current size of the table.
func (s *SQLSource) Count(ctx context.Context, table string) (int, error) {
	if err := s.check(table); err != nil {
		return 0, err
	}

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// FetchChunk returns up to limit records starting at offset, ordered by id.
func (s *SQLSource) FetchChunk(ctx context.Context, table string, offset, limit int) ([]Record, error) {
	if err := s.check(table); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT * FROM "%s" ORDER BY id LIMIT ? OFFSET ?`, table)
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	var records []Record
	for rows.Next() {
		values := make([]interface{}, len(columns))
		pointers := make([]interface{}, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("failed to scan row of %s: %w", table, err)
		}

		record := make(Record, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", table, err)
	}
	return records, nil
}

// Apply performs the operation on a single record. Update records must carry
// the target id plus the columns to set; import records are inserted as-is;
// delete records only need the id.
func (s *SQLSource) Apply(ctx context.Context, table string, op queue.BulkOperation, record Record) error {
	if err := s.check(table); err != nil {
		return err
	}

	switch op {
	case queue.BulkImport:
		return s.insert(ctx, table, record)
	case queue.BulkUpdate:
		return s.update(ctx, table, record)
	case queue.BulkDelete:
		return s.delete(ctx, table, record)
	default:
		return fmt.Errorf("operation %q cannot be applied", op)
	}
}

func (s *SQLSource) insert(ctx context.Context, table string, record Record) error {
	if len(record) == 0 {
		return fmt.Errorf("empty record")
	}

	columns := make([]string, 0, len(record))
	for col := range record {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		quoted[i] = fmt.Sprintf("%q", col)
		placeholders[i] = "?"
		args[i] = record[col]
	}

	query := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`,
		table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

func (s *SQLSource) update(ctx context.Context, table string, record Record) error {
	id, ok := record["id"]
	if !ok {
		return fmt.Errorf("update record missing id")
	}

	columns := make([]string, 0, len(record))
	for col := range record {
		if col == "id" {
			continue
		}
		columns = append(columns, col)
	}
	if len(columns) == 0 {
		return fmt.Errorf("update record has no columns to set")
	}
	sort.Strings(columns)

	assignments := make([]string, len(columns))
	args := make([]interface{}, 0, len(columns)+1)
	for i, col := range columns {
		assignments[i] = fmt.Sprintf("%q = ?", col)
		args = append(args, record[col])
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE "%s" SET %s WHERE id = ?`, table, strings.Join(assignments, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("no row with id %v in %s", id, table)
	}
	return nil
}

func (s *SQLSource) delete(ctx context.Context, table string, record Record) error {
	id, ok := record["id"]
	if !ok {
		return fmt.Errorf("delete record missing id")
	}

	query := fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, table)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("no row with id %v in %s", id, table)
	}
	return nil
}
