package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dyluth/botrelay/pkg/store"
)

func cond(op store.Operator, value any) store.ParameterCondition {
	return store.ParameterCondition{ParamName: "p", Operator: op, Value: value}
}

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		present bool
		cond    store.ParameterCondition
		want    bool
	}{
		{"equals string", "prod", true, cond(store.OpEquals, "prod"), true},
		{"equals numeric string", "42", true, cond(store.OpEquals, 42.0), true},
		{"equals int and float", 3, true, cond(store.OpEquals, 3.0), true},
		{"equals bool string", true, true, cond(store.OpEquals, "true"), true},
		{"equals null", nil, true, cond(store.OpEquals, nil), true},
		{"null not equal to string", nil, true, cond(store.OpEquals, "x"), false},
		{"not equals", "dev", true, cond(store.OpNotEquals, "prod"), true},
		{"not equals same", "prod", true, cond(store.OpNotEquals, "prod"), false},
		{"greater than", 10.0, true, cond(store.OpGreaterThan, 5.0), true},
		{"greater than equal", 5.0, true, cond(store.OpGreaterThan, 5.0), false},
		{"greater than string is not numeric", "10", true, cond(store.OpGreaterThan, 5.0), false},
		{"less than", 1, true, cond(store.OpLessThan, 2.5), true},
		{"contains", "hello world", true, cond(store.OpContains, "lo w"), true},
		{"contains non-string", 123.0, true, cond(store.OpContains, "2"), false},
		{"regex match", "user-42", true, cond(store.OpRegexMatch, `^user-\d+$`), true},
		{"regex no match", "admin", true, cond(store.OpRegexMatch, `^user-\d+$`), false},
		{"invalid regex is false", "anything", true, cond(store.OpRegexMatch, `([`), false},
		{"unknown operator", "x", true, cond("LIKE", "x"), false},

		{"missing equals null", nil, false, cond(store.OpEquals, nil), true},
		{"missing equals value", nil, false, cond(store.OpEquals, "prod"), false},
		{"missing not equals value", nil, false, cond(store.OpNotEquals, "prod"), true},
		{"missing not equals null", nil, false, cond(store.OpNotEquals, nil), false},
		{"missing greater than", nil, false, cond(store.OpGreaterThan, 1.0), false},
		{"missing contains", nil, false, cond(store.OpContains, ""), false},
		{"missing regex", nil, false, cond(store.OpRegexMatch, ".*"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluateCondition(tt.value, tt.present, tt.cond))
		})
	}
}

func TestMatchesAll(t *testing.T) {
	conds := []store.ParameterCondition{
		{ParamName: "env", Operator: store.OpEquals, Value: "prod"},
		{ParamName: "tier", Operator: store.OpNotEquals, Value: "free"},
	}

	assert.True(t, matchesAll(conds, map[string]any{"env": "prod", "tier": "pro"}))
	assert.True(t, matchesAll(conds, map[string]any{"env": "prod"}), "missing tier is not equal to free")
	assert.False(t, matchesAll(conds, map[string]any{"env": "prod", "tier": "free"}))
	assert.True(t, matchesAll(nil, map[string]any{}), "no conditions always match")
}
