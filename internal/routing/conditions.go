package routing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dyluth/botrelay/pkg/store"
)

// regexCache holds compiled REGEX_MATCH patterns; invalid patterns map to nil.
var regexCache sync.Map

// matchesAll reports whether every condition holds for params (AND semantics).
func matchesAll(conds []store.ParameterCondition, params map[string]any) bool {
	for _, c := range conds {
		v, present := params[c.ParamName]
		if !evaluateCondition(v, present, c) {
			return false
		}
	}
	return true
}

// evaluateCondition applies one operator to a request parameter.
// An absent parameter only satisfies EQUALS null and NOT_EQUALS non-null.
func evaluateCondition(value any, present bool, c store.ParameterCondition) bool {
	if !present {
		switch c.Operator {
		case store.OpEquals:
			return c.Value == nil
		case store.OpNotEquals:
			return c.Value != nil
		default:
			return false
		}
	}

	switch c.Operator {
	case store.OpEquals:
		return looseEqual(value, c.Value)
	case store.OpNotEquals:
		return !looseEqual(value, c.Value)
	case store.OpGreaterThan:
		a, okA := asNumber(value)
		b, okB := asNumber(c.Value)
		return okA && okB && a > b
	case store.OpLessThan:
		a, okA := asNumber(value)
		b, okB := asNumber(c.Value)
		return okA && okB && a < b
	case store.OpContains:
		s, okS := value.(string)
		sub, okSub := c.Value.(string)
		return okS && okSub && strings.Contains(s, sub)
	case store.OpRegexMatch:
		s, okS := value.(string)
		pattern, okP := c.Value.(string)
		if !okS || !okP {
			return false
		}
		re := compileCached(pattern)
		return re != nil && re.MatchString(s)
	default:
		return false
	}
}

func compileCached(pattern string) *regexp.Regexp {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	regexCache.Store(pattern, re)
	return re
}

// looseEqual compares request and rule values the way hand-written JSON rules
// expect: numbers compare numerically (numeric strings are coerced), booleans
// match their string form or 1/0, null equals only null, anything else by its
// string form.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if ba, ok := a.(bool); ok {
		return boolEqual(ba, b)
	}
	if bb, ok := b.(bool); ok {
		return boolEqual(bb, a)
	}

	na, numA := asNumber(a)
	nb, numB := asNumber(b)
	switch {
	case numA && numB:
		return na == nb
	case numA:
		if s, ok := b.(string); ok {
			f, ok := parseNumeric(s)
			return ok && f == na
		}
	case numB:
		if s, ok := a.(string); ok {
			f, ok := parseNumeric(s)
			return ok && f == nb
		}
	}

	return fmt.Sprint(a) == fmt.Sprint(b)
}

func boolEqual(v bool, other any) bool {
	switch o := other.(type) {
	case bool:
		return v == o
	case string:
		return o == strconv.FormatBool(v)
	}
	if n, ok := asNumber(other); ok {
		return (v && n == 1) || (!v && n == 0)
	}
	return false
}

// asNumber converts Go numeric types to float64. Strings are not numbers here.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}
