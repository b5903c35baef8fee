// Package routing selects one concrete bot from a group according to the
// group's execution rule.
package routing

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dyluth/botrelay/internal/logging"
	"github.com/dyluth/botrelay/pkg/store"
)

// Engine resolves groups to bots. Safe for concurrent use.
type Engine struct {
	config store.ConfigReader
	rdb    redis.Cmdable
	random func() float64
	now    func() time.Time
	logger zerolog.Logger
}

// NewEngine creates an engine reading descriptors through config and keeping
// round-robin counters in rdb.
func NewEngine(config store.ConfigReader, rdb redis.Cmdable, logger zerolog.Logger) *Engine {
	return &Engine{
		config: config,
		rdb:    rdb,
		random: rand.Float64,
		now:    time.Now,
		logger: logging.Component(logger, "routing"),
	}
}

// WithRandom replaces the uniform [0,1) source used by weighted rules.
func (e *Engine) WithRandom(random func() float64) *Engine {
	e.random = random
	return e
}

// WithClock replaces the time source used by time-based rules.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Select picks a bot from group for a request with params.
// ok is false when no member of the group has a valid descriptor.
func (e *Engine) Select(ctx context.Context, group *store.BotGroup, params map[string]any) (string, bool, error) {
	members, err := e.availableMembers(ctx, group)
	if err != nil {
		return "", false, err
	}
	if len(members) == 0 {
		e.logger.Warn().Str("group_id", group.GroupID).Msg("no registered bots in group")
		return "", false, nil
	}

	var botKey string
	rule := group.ExecutionRule
	switch rule.Type {
	case store.RuleRoundRobin:
		n, err := e.rdb.Incr(ctx, store.RoundRobinIndexKey(group.GroupID)).Result()
		if err != nil {
			return "", false, fmt.Errorf("failed to advance round-robin counter for %s: %w", group.GroupID, err)
		}
		botKey = pickRoundRobin(members, n)
	case store.RulePercentageBased:
		botKey = pickWeighted(percentageEntries(rule.Percentage), members, e.random())
	case store.RuleABTest:
		botKey = pickWeighted(abTestEntries(rule.ABTest), members, e.random())
	case store.RuleTimeBased:
		botKey = pickTimeBased(rule.Time, members, e.now())
	case store.RuleParameterBased:
		botKey = pickParameterBased(rule.Parameter, members, params)
	default:
		e.logger.Warn().Str("group_id", group.GroupID).Str("rule_type", string(rule.Type)).Msg("unknown rule type, using first bot")
		botKey = members[0]
	}

	logging.Event(&e.logger, "bot_selected").
		Str("group_id", group.GroupID).
		Str("rule_type", string(rule.Type)).
		Str("bot_key", botKey).
		Msg("bot selected from group")
	return botKey, true, nil
}

// availableMembers keeps the members, in declared order, that have a valid descriptor.
func (e *Engine) availableMembers(ctx context.Context, group *store.BotGroup) ([]string, error) {
	members := make([]string, 0, len(group.BotTypes))
	for _, key := range group.BotTypes {
		desc, err := e.config.GetBotDescriptor(ctx, key)
		if store.IsNotFound(err) {
			e.logger.Warn().Str("group_id", group.GroupID).Str("bot_key", key).Msg("bot in group is not registered, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load bot %s of group %s: %w", key, group.GroupID, err)
		}
		if err := desc.Validate(); err != nil {
			e.logger.Warn().Err(err).Str("group_id", group.GroupID).Str("bot_key", key).Msg("bot in group has an invalid descriptor, skipping")
			continue
		}
		members = append(members, key)
	}
	return members, nil
}
