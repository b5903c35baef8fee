package routing

import (
	"time"

	"github.com/dyluth/botrelay/pkg/store"
)

// Each pick function is a pure function of the rule, the filtered member list
// and the external input it needs (counter, draw, clock or params). members is
// never empty when they are called.

// weightedEntry is one candidate of a percentage or A/B rule.
type weightedEntry struct {
	botKey string
	weight float64
}

func pickRoundRobin(members []string, counter int64) string {
	n := int64(len(members))
	idx := (counter - 1) % n
	if idx < 0 {
		idx += n
	}
	return members[idx]
}

// pickWeighted draws from the entries whose bot is available and whose weight
// is positive. draw is uniform in [0, 1). With nothing eligible the first
// member is returned.
func pickWeighted(entries []weightedEntry, members []string, draw float64) string {
	available := memberSet(members)

	eligible := make([]weightedEntry, 0, len(entries))
	total := 0.0
	for _, e := range entries {
		if available[e.botKey] && e.weight > 0 {
			eligible = append(eligible, e)
			total += e.weight
		}
	}
	if len(eligible) == 0 || total <= 0 {
		return members[0]
	}

	pick := draw * total
	for _, e := range eligible {
		if pick < e.weight {
			return e.botKey
		}
		pick -= e.weight
	}
	return eligible[len(eligible)-1].botKey
}

func percentageEntries(rule *store.PercentageRule) []weightedEntry {
	if rule == nil {
		return nil
	}
	out := make([]weightedEntry, 0, len(rule.Distribution))
	for _, d := range rule.Distribution {
		out = append(out, weightedEntry{botKey: d.BotType, weight: d.Percentage})
	}
	return out
}

func abTestEntries(rule *store.ABTestRule) []weightedEntry {
	if rule == nil {
		return nil
	}
	out := make([]weightedEntry, 0, len(rule.Variants))
	for _, v := range rule.Variants {
		out = append(out, weightedEntry{botKey: v.BotType, weight: v.Weight})
	}
	return out
}

// pickTimeBased returns the first available slot whose inclusive "HH:mm"
// window contains now (UTC). Windows compare as strings and do not wrap midnight.
func pickTimeBased(rule *store.TimeRule, members []string, now time.Time) string {
	if rule == nil {
		return members[0]
	}
	available := memberSet(members)
	clock := now.UTC().Format("15:04")

	for _, s := range rule.Slots {
		if available[s.BotType] && clock >= s.StartTime && clock <= s.EndTime {
			return s.BotType
		}
	}
	return fallback(rule.DefaultBotType, members, available)
}

// pickParameterBased returns the bot of the first available branch whose
// conditions all hold. A request without params goes straight to the fallback.
func pickParameterBased(rule *store.ParameterRule, members []string, params map[string]any) string {
	if rule == nil {
		return members[0]
	}
	available := memberSet(members)

	if params != nil {
		for _, b := range rule.Branches {
			if !available[b.BotType] {
				continue
			}
			if matchesAll(b.Conditions, params) {
				return b.BotType
			}
		}
	}
	return fallback(rule.DefaultBotType, members, available)
}

func fallback(defaultBot string, members []string, available map[string]bool) string {
	if defaultBot != "" && available[defaultBot] {
		return defaultBot
	}
	return members[0]
}

func memberSet(members []string) map[string]bool {
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	return set
}
