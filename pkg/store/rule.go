package store

import (
	"encoding/json"
	"fmt"
)

// RuleType names the selection policy of a bot group.
type RuleType string

const (
	// RuleRoundRobin cycles through members using a shared monotonic counter.
	RuleRoundRobin RuleType = "ROUND_ROBIN"

	// RulePercentageBased draws a member with probability proportional to its percentage.
	RulePercentageBased RuleType = "PERCENTAGE_BASED"

	// RuleTimeBased picks the member whose UTC "HH:mm" slot contains the current time.
	RuleTimeBased RuleType = "TIME_BASED"

	// RuleParameterBased picks the first branch whose conditions all hold for the request.
	RuleParameterBased RuleType = "PARAMETER_BASED"

	// RuleABTest draws a member with probability proportional to its relative weight.
	RuleABTest RuleType = "A_B_TEST"
)

// ExecutionRule is a tagged union over the five selection policies.
// Exactly one variant field is set for every type except RuleRoundRobin, which has no parameters.
//
// On the wire the rule is {"type": "...", "config": {...}}.
type ExecutionRule struct {
	Type       RuleType
	Percentage *PercentageRule
	Time       *TimeRule
	Parameter  *ParameterRule
	ABTest     *ABTestRule
}

// PercentageRule distributes requests according to fixed percentages.
type PercentageRule struct {
	Distribution []PercentageEntry `json:"distribution"`
}

// PercentageEntry is one member's share in a PercentageRule.
type PercentageEntry struct {
	BotType    string  `json:"botType"`
	Percentage float64 `json:"percentage"`
}

// TimeRule routes by time of day (UTC).
type TimeRule struct {
	Slots          []TimeSlot `json:"slots"`
	DefaultBotType string     `json:"defaultBotType,omitempty"`
}

// TimeSlot is an inclusive "HH:mm" window.
type TimeSlot struct {
	BotType   string `json:"botType"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// ParameterRule routes on request parameters.
type ParameterRule struct {
	Branches       []ParameterBranch `json:"branches"`
	DefaultBotType string            `json:"defaultBotType,omitempty"`
}

// ParameterBranch matches when every condition holds (AND semantics).
type ParameterBranch struct {
	BotType    string               `json:"botType"`
	Conditions []ParameterCondition `json:"conditions"`
}

// ParameterCondition compares one request parameter against a configured value.
type ParameterCondition struct {
	ParamName string   `json:"paramName"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

// ABTestRule distributes requests according to relative weights.
type ABTestRule struct {
	Variants []ABVariant `json:"variants"`
}

// ABVariant is one member's weight in an ABTestRule.
type ABVariant struct {
	BotType string  `json:"botType"`
	Weight  float64 `json:"weight"`
}

// Operator is a ParameterCondition comparison.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpContains    Operator = "CONTAINS"
	OpRegexMatch  Operator = "REGEX_MATCH"
)

// Validate checks if the Operator is a known comparison.
func (o Operator) Validate() error {
	switch o {
	case OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpRegexMatch:
		return nil
	default:
		return fmt.Errorf("unknown operator: %q", o)
	}
}

// ruleWire is the JSON envelope of an ExecutionRule.
type ruleWire struct {
	Type   RuleType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// MarshalJSON encodes the rule as {"type", "config"}.
func (r ExecutionRule) MarshalJSON() ([]byte, error) {
	var config any
	switch r.Type {
	case RulePercentageBased:
		config = r.Percentage
	case RuleTimeBased:
		config = r.Time
	case RuleParameterBased:
		config = r.Parameter
	case RuleABTest:
		config = r.ABTest
	}

	w := ruleWire{Type: r.Type}
	if config != nil {
		raw, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s config: %w", r.Type, err)
		}
		w.Config = raw
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes the {"type", "config"} envelope into the matching variant.
func (r *ExecutionRule) UnmarshalJSON(data []byte) error {
	var w ruleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	rule := ExecutionRule{Type: w.Type}
	var target any
	switch w.Type {
	case RuleRoundRobin:
	case RulePercentageBased:
		rule.Percentage = &PercentageRule{}
		target = rule.Percentage
	case RuleTimeBased:
		rule.Time = &TimeRule{}
		target = rule.Time
	case RuleParameterBased:
		rule.Parameter = &ParameterRule{}
		target = rule.Parameter
	case RuleABTest:
		rule.ABTest = &ABTestRule{}
		target = rule.ABTest
	default:
		return fmt.Errorf("unknown execution rule type: %q", w.Type)
	}

	if target != nil && len(w.Config) > 0 && string(w.Config) != "null" {
		if err := json.Unmarshal(w.Config, target); err != nil {
			return fmt.Errorf("invalid %s config: %w", w.Type, err)
		}
	}

	*r = rule
	return nil
}

// Validate checks that the variant matching Type is present and well formed.
func (r *ExecutionRule) Validate() error {
	switch r.Type {
	case RuleRoundRobin:
		return nil

	case RulePercentageBased:
		if r.Percentage == nil {
			return fmt.Errorf("%s rule requires a config", r.Type)
		}
		for i, d := range r.Percentage.Distribution {
			if d.Percentage < 0 {
				return fmt.Errorf("distribution[%d]: percentage must be >= 0", i)
			}
		}
		return nil

	case RuleTimeBased:
		if r.Time == nil {
			return fmt.Errorf("%s rule requires a config", r.Type)
		}
		for i, s := range r.Time.Slots {
			if !clockPattern.MatchString(s.StartTime) || !clockPattern.MatchString(s.EndTime) {
				return fmt.Errorf("slots[%d]: times must be HH:mm, got %q-%q", i, s.StartTime, s.EndTime)
			}
		}
		return nil

	case RuleParameterBased:
		if r.Parameter == nil {
			return fmt.Errorf("%s rule requires a config", r.Type)
		}
		for i, b := range r.Parameter.Branches {
			for j, c := range b.Conditions {
				if c.ParamName == "" {
					return fmt.Errorf("branches[%d].conditions[%d]: paramName cannot be empty", i, j)
				}
				if err := c.Operator.Validate(); err != nil {
					return fmt.Errorf("branches[%d].conditions[%d]: %w", i, j, err)
				}
			}
		}
		return nil

	case RuleABTest:
		if r.ABTest == nil {
			return fmt.Errorf("%s rule requires a config", r.Type)
		}
		for i, v := range r.ABTest.Variants {
			if v.Weight < 0 {
				return fmt.Errorf("variants[%d]: weight must be >= 0", i)
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown execution rule type: %q", r.Type)
	}
}
