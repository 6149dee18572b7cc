package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConditionHolds(t *testing.T) {
	ctx := map[string]interface{}{
		"price":   150.0,
		"country": "Greece",
		"grade":   "MS65",
		"year":    1901.0,
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string match", Condition{Field: "country", Op: OpEq, Value: "Greece"}, true},
		{"eq string mismatch", Condition{Field: "country", Op: OpEq, Value: "Italy"}, false},
		{"eq number as int against float", Condition{Field: "price", Op: OpEq, Value: 150}, true},
		{"ne", Condition{Field: "country", Op: OpNe, Value: "Italy"}, true},
		{"gt true", Condition{Field: "price", Op: OpGt, Value: 100.0}, true},
		{"gt boundary", Condition{Field: "price", Op: OpGt, Value: 150.0}, false},
		{"gte boundary", Condition{Field: "price", Op: OpGte, Value: 150.0}, true},
		{"lt", Condition{Field: "year", Op: OpLt, Value: 1950}, true},
		{"lte", Condition{Field: "year", Op: OpLte, Value: 1901}, true},
		{"contains match", Condition{Field: "grade", Op: OpContains, Value: "MS"}, true},
		{"contains mismatch", Condition{Field: "grade", Op: OpContains, Value: "AU"}, false},
		{"contains non-string field", Condition{Field: "price", Op: OpContains, Value: "5"}, false},
		{"missing field never holds", Condition{Field: "weight", Op: OpEq, Value: 1.0}, false},
		{"numeric op on string field", Condition{Field: "country", Op: OpGt, Value: 1.0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.holds(ctx))
		})
	}
}

func TestRuleMatches(t *testing.T) {
	rule := &Rule{
		Conditions: []Condition{
			{Field: "price", Op: OpGte, Value: 100.0},
			{Field: "country", Op: OpEq, Value: "Greece"},
		},
	}

	assert.True(t, rule.matches(map[string]interface{}{"price": 200.0, "country": "Greece"}))
	assert.False(t, rule.matches(map[string]interface{}{"price": 50.0, "country": "Greece"}))
	assert.False(t, rule.matches(map[string]interface{}{"price": 200.0}))

	// No conditions: always fires.
	unconditional := &Rule{}
	assert.True(t, unconditional.matches(nil))
}
