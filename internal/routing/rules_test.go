package routing

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/dyluth/botrelay/pkg/store"
)

func TestPickRoundRobin(t *testing.T) {
	members := []string{"A", "B", "C"}
	var got []string
	for n := int64(1); n <= 7; n++ {
		got = append(got, pickRoundRobin(members, n))
	}
	assert.Equal(t, []string{"A", "B", "C", "A", "B", "C", "A"}, got)
}

func TestPickWeighted(t *testing.T) {
	entries := []weightedEntry{{"A", 70}, {"B", 30}}
	members := []string{"A", "B"}

	assert.Equal(t, "A", pickWeighted(entries, members, 0))
	assert.Equal(t, "A", pickWeighted(entries, members, 0.699))
	assert.Equal(t, "B", pickWeighted(entries, members, 0.71))
	assert.Equal(t, "B", pickWeighted(entries, members, 0.99999))

	t.Run("skips unavailable and zero-weight entries", func(t *testing.T) {
		entries := []weightedEntry{{"gone", 90}, {"zero", 0}, {"B", 10}}
		assert.Equal(t, "B", pickWeighted(entries, []string{"zero", "B"}, 0))
		assert.Equal(t, "B", pickWeighted(entries, []string{"zero", "B"}, 0.95))
	})

	t.Run("falls back to first member", func(t *testing.T) {
		assert.Equal(t, "X", pickWeighted(nil, []string{"X", "Y"}, 0.5))
		assert.Equal(t, "X", pickWeighted([]weightedEntry{{"Y", 0}}, []string{"X", "Y"}, 0.5))
	})

	t.Run("weights need not sum to 100", func(t *testing.T) {
		entries := []weightedEntry{{"A", 1}, {"B", 3}}
		assert.Equal(t, "A", pickWeighted(entries, members, 0.2))
		assert.Equal(t, "B", pickWeighted(entries, members, 0.3))
	})
}

func TestPickWeighted_NeverSelectsUnavailable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("selection is always an available member", prop.ForAll(
		func(weights []float64, availableMask []bool, draw float64) bool {
			names := []string{"a", "b", "c", "d", "e"}
			var entries []weightedEntry
			for i, w := range weights {
				entries = append(entries, weightedEntry{names[i%len(names)], w})
			}
			var members []string
			for i, on := range availableMask {
				if on && i < len(names) {
					members = append(members, names[i])
				}
			}
			if len(members) == 0 {
				return true
			}

			got := pickWeighted(entries, members, draw)
			for _, m := range members {
				if m == got {
					return true
				}
			}
			return false
		},
		gen.SliceOf(gen.Float64Range(-10, 100)),
		gen.SliceOfN(5, gen.Bool()),
		gen.Float64Range(0, 0.999999),
	))

	properties.TestingRun(t)
}

func TestPickTimeBased(t *testing.T) {
	rule := &store.TimeRule{
		Slots: []store.TimeSlot{
			{BotType: "day", StartTime: "08:00", EndTime: "17:59"},
			{BotType: "evening", StartTime: "18:00", EndTime: "21:59"},
		},
		DefaultBotType: "night",
	}
	members := []string{"day", "evening", "night"}
	at := func(hh, mm int) time.Time { return time.Date(2025, 3, 1, hh, mm, 0, 0, time.UTC) }

	assert.Equal(t, "day", pickTimeBased(rule, members, at(8, 0)), "start is inclusive")
	assert.Equal(t, "day", pickTimeBased(rule, members, at(17, 59)), "end is inclusive")
	assert.Equal(t, "evening", pickTimeBased(rule, members, at(18, 0)))
	assert.Equal(t, "night", pickTimeBased(rule, members, at(23, 30)))

	t.Run("uses UTC", func(t *testing.T) {
		loc := time.FixedZone("UTC+5", 5*3600)
		local := time.Date(2025, 3, 1, 14, 0, 0, 0, loc) // 09:00 UTC
		assert.Equal(t, "day", pickTimeBased(rule, members, local))
	})

	t.Run("skips unavailable slot bots", func(t *testing.T) {
		assert.Equal(t, "night", pickTimeBased(rule, []string{"evening", "night"}, at(9, 0)))
	})

	t.Run("invalid default falls back to first member", func(t *testing.T) {
		assert.Equal(t, "evening", pickTimeBased(rule, []string{"evening"}, at(3, 0)))
	})
}

func TestPickParameterBased(t *testing.T) {
	rule := &store.ParameterRule{
		Branches: []store.ParameterBranch{
			{BotType: "X", Conditions: []store.ParameterCondition{{ParamName: "env", Operator: store.OpEquals, Value: "prod"}}},
		},
		DefaultBotType: "Y",
	}
	members := []string{"X", "Y"}

	assert.Equal(t, "X", pickParameterBased(rule, members, map[string]any{"env": "prod"}))
	assert.Equal(t, "Y", pickParameterBased(rule, members, map[string]any{}))
	assert.Equal(t, "Y", pickParameterBased(rule, members, nil))
	assert.Equal(t, "Y", pickParameterBased(rule, members, map[string]any{"env": "dev"}))

	t.Run("first matching branch wins", func(t *testing.T) {
		rule := &store.ParameterRule{Branches: []store.ParameterBranch{
			{BotType: "big", Conditions: []store.ParameterCondition{
				{ParamName: "size", Operator: store.OpGreaterThan, Value: 100.0},
				{ParamName: "region", Operator: store.OpEquals, Value: "eu"},
			}},
			{BotType: "any-eu", Conditions: []store.ParameterCondition{{ParamName: "region", Operator: store.OpEquals, Value: "eu"}}},
		}}
		members := []string{"small", "big", "any-eu"}

		assert.Equal(t, "big", pickParameterBased(rule, members, map[string]any{"size": 500.0, "region": "eu"}))
		assert.Equal(t, "any-eu", pickParameterBased(rule, members, map[string]any{"size": 5.0, "region": "eu"}))
		assert.Equal(t, "small", pickParameterBased(rule, members, map[string]any{"size": 500.0, "region": "us"}))
		assert.Equal(t, "any-eu", pickParameterBased(rule, []string{"small", "any-eu"}, map[string]any{"size": 500.0, "region": "eu"}),
			"branches whose bot is unavailable are skipped")
	})
}
