// Package automation implements the trigger evaluator: persisted rules that
// react to bus events or cron schedules and enqueue commands when their
// conditions hold.
package automation

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/events"
)

// TriggerType discriminates the two kinds of rule trigger.
type TriggerType string

const (
	// TriggerSchedule fires on a cron expression carried in TriggerSpec.
	TriggerSchedule TriggerType = "schedule"
	// TriggerEvent fires on the bus event type named in TriggerSpec.
	TriggerEvent TriggerType = "event"
)

// Condition is one predicate over the triggering event's context map.
// All conditions of a rule must hold for the rule to fire.
type Condition struct {
	Field string      `json:"field"`
	Op    string      `json:"op"`
	Value interface{} `json:"value"`
}

// Condition operators.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
)

// Action is one command enqueued when the rule fires.
type Action struct {
	CommandID string                 `json:"command_id"`
	Input     map[string]interface{} `json:"input,omitempty"`
	Priority  string                 `json:"priority,omitempty"`
}

// Rule is a persisted automation rule.
type Rule struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	TriggerType    TriggerType `json:"trigger_type"`
	TriggerSpec    string      `json:"trigger_spec"`
	Conditions     []Condition `json:"conditions,omitempty"`
	Actions        []Action    `json:"actions"`
	Active         bool        `json:"active"`
	ExecutionCount int         `json:"execution_count"`
	LastExecuted   *time.Time  `json:"last_executed,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validate checks the rule's structural invariants. Schedule specs must parse
// as five-field cron expressions; event specs must name a known trigger event.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule must have at least one action")
	}
	for i, action := range r.Actions {
		if action.CommandID == "" {
			return fmt.Errorf("action %d missing command_id", i)
		}
	}
	for i, cond := range r.Conditions {
		switch cond.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains:
		default:
			return fmt.Errorf("condition %d has unknown operator %q", i, cond.Op)
		}
		if cond.Field == "" {
			return fmt.Errorf("condition %d missing field", i)
		}
	}

	switch r.TriggerType {
	case TriggerSchedule:
		if _, err := scheduleParser.Parse(r.TriggerSpec); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", r.TriggerSpec, err)
		}
	case TriggerEvent:
		if !validTriggerEvent(events.EventType(r.TriggerSpec)) {
			return fmt.Errorf("unknown trigger event %q", r.TriggerSpec)
		}
	default:
		return fmt.Errorf("unknown trigger type %q", r.TriggerType)
	}
	return nil
}

// triggerEventTypes lists the bus events a rule may bind to.
var triggerEventTypes = []events.EventType{
	events.CoinUploaded,
	events.RecognitionCompleted,
	events.ListingCreated,
	events.ThresholdBreached,
	events.JobCompleted,
	events.JobFailed,
}

func validTriggerEvent(t events.EventType) bool {
	for _, known := range triggerEventTypes {
		if known == t {
			return true
		}
	}
	return false
}

// matches evaluates the rule's conditions against the event context map.
// A rule with no conditions always matches.
func (r *Rule) matches(ctx map[string]interface{}) bool {
	for _, cond := range r.Conditions {
		if !cond.holds(ctx) {
			return false
		}
	}
	return true
}

func (c *Condition) holds(ctx map[string]interface{}) bool {
	actual, ok := ctx[c.Field]
	if !ok {
		return false
	}

	switch c.Op {
	case OpEq:
		return compareEq(actual, c.Value)
	case OpNe:
		return !compareEq(actual, c.Value)
	case OpContains:
		s, ok1 := actual.(string)
		sub, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.Contains(s, sub)
	case OpGt, OpGte, OpLt, OpLte:
		a, okA := asFloat(actual)
		b, okB := asFloat(c.Value)
		if !okA || !okB {
			return false
		}
		switch c.Op {
		case OpGt:
			return a > b
		case OpGte:
			return a >= b
		case OpLt:
			return a < b
		default:
			return a <= b
		}
	}
	return false
}

// compareEq compares loosely: numbers compare as floats since JSON decoding
// turns every number into float64.
func compareEq(a, b interface{}) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
