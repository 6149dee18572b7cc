package automation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRuleNotFound is returned when no rule exists with the given id.
var ErrRuleNotFound = errors.New("automation rule not found")

// Repository persists automation rules.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a rule repository over the engine database.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "automation_repo").Logger(),
	}
}

const ruleColumns = `id, name, trigger_type, trigger_spec, conditions, actions,
	active, execution_count, last_executed, created_at, updated_at`

// Create validates and persists a new rule. The rule's ID, timestamps, and
// counters are assigned here.
func (r *Repository) Create(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	rule.ID = uuid.New().String()
	rule.ExecutionCount = 0
	rule.LastExecuted = nil
	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	conditions, actions, err := encodeRule(rule)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(`
		INSERT INTO automation_rules
			(id, name, trigger_type, trigger_spec, conditions, actions,
			 active, execution_count, last_executed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
		rule.ID, rule.Name, string(rule.TriggerType), rule.TriggerSpec,
		conditions, actions, rule.Active,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}

	r.log.Info().
		Str("rule_id", rule.ID).
		Str("name", rule.Name).
		Str("trigger", string(rule.TriggerType)).
		Msg("Automation rule created")
	return nil
}

// Update validates and persists changes to an existing rule. Execution
// counters are not touched.
func (r *Repository) Update(rule *Rule) error {
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}

	conditions, actions, err := encodeRule(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now()
	result, err := r.db.Exec(`
		UPDATE automation_rules
		SET name = ?, trigger_type = ?, trigger_spec = ?, conditions = ?,
		    actions = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name, string(rule.TriggerType), rule.TriggerSpec,
		conditions, actions, rule.Active, rule.UpdatedAt.UnixMilli(), rule.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Get fetches one rule by id.
func (r *Repository) Get(id string) (*Rule, error) {
	row := r.db.QueryRow(`SELECT `+ruleColumns+` FROM automation_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return rule, err
}

// List returns all rules, optionally only the active ones, ordered by name.
func (r *Repository) List(activeOnly bool) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ActiveByTrigger returns the active rules bound to the given trigger type
// and spec. Rules are loaded fresh at evaluation time, so edits apply to the
// next firing without a restart.
func (r *Repository) ActiveByTrigger(triggerType TriggerType, spec string) ([]*Rule, error) {
	rows, err := r.db.Query(`
		SELECT `+ruleColumns+` FROM automation_rules
		WHERE active = 1 AND trigger_type = ? AND trigger_spec = ?
		ORDER BY name`,
		string(triggerType), spec,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for trigger: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// SetActive toggles a rule without touching the rest of its definition.
func (r *Repository) SetActive(id string, active bool) error {
	result, err := r.db.Exec(`
		UPDATE automation_rules SET active = ?, updated_at = ? WHERE id = ?`,
		active, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to toggle rule: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Delete removes a rule permanently.
func (r *Repository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM automation_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// RecordExecution bumps the execution counter and stamps last_executed.
// Called whenever a rule fires, even if some of its actions failed to enqueue.
func (r *Repository) RecordExecution(id string) error {
	_, err := r.db.Exec(`
		UPDATE automation_rules
		SET execution_count = execution_count + 1, last_executed = ?
		WHERE id = ?`,
		time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record rule execution: %w", err)
	}
	return nil
}

func encodeRule(rule *Rule) (conditions, actions string, err error) {
	condBytes, err := json.Marshal(rule.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode conditions: %w", err)
	}
	actionBytes, err := json.Marshal(rule.Actions)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode actions: %w", err)
	}
	return string(condBytes), string(actionBytes), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		rule         Rule
		triggerType  string
		conditions   string
		actions      string
		lastExecuted sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)

	err := row.Scan(
		&rule.ID, &rule.Name, &triggerType, &rule.TriggerSpec,
		&conditions, &actions, &rule.Active, &rule.ExecutionCount,
		&lastExecuted, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.TriggerType = TriggerType(triggerType)
	if conditions != "" {
		if err := json.Unmarshal([]byte(conditions), &rule.Conditions); err != nil {
			return nil, fmt.Errorf("failed to decode conditions of rule %s: %w", rule.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(actions), &rule.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions of rule %s: %w", rule.ID, err)
	}
	if lastExecuted.Valid {
		t := time.UnixMilli(lastExecuted.Int64)
		rule.LastExecuted = &t
	}
	rule.CreatedAt = time.UnixMilli(createdAt)
	rule.UpdatedAt = time.UnixMilli(updatedAt)
	return &rule, nil
}
