package store

import "testing"

// TestBotDescriptorDefaults tests priority and retry defaults
func TestBotDescriptorDefaults(t *testing.T) {
	d := &BotDescriptor{BotType: "a", WorkerTargetQueue: "q"}

	if got := d.Priority(); got != DefaultPriority {
		t.Errorf("Priority() = %d, expected %d", got, DefaultPriority)
	}
	if got := d.Attempts(); got != DefaultRetryAttempts {
		t.Errorf("Attempts() = %d, expected %d", got, DefaultRetryAttempts)
	}
	if d.HasConcurrencyLimit() || d.HasCadence() {
		t.Error("descriptor without limits should not report any gate")
	}

	zero := 0
	d.RetryAttempts = &zero
	if got := d.Attempts(); got != DefaultRetryAttempts {
		t.Errorf("Attempts() with zero budget = %d, expected %d", got, DefaultRetryAttempts)
	}

	d.Concurrency = &ConcurrencyLimit{Limit: 0}
	if d.HasConcurrencyLimit() {
		t.Error("limit 0 means unlimited")
	}
}

// TestBotDescriptorValidate tests descriptor validation
func TestBotDescriptorValidate(t *testing.T) {
	valid := &BotDescriptor{BotType: "a", WorkerTargetQueue: "q", Concurrency: &ConcurrencyLimit{Limit: 1}}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid descriptor failed validation: %v", err)
	}

	invalid := []*BotDescriptor{
		{WorkerTargetQueue: "q"},
		{BotType: "a"},
		{BotType: "a", WorkerTargetQueue: "q", Concurrency: &ConcurrencyLimit{Limit: -1}},
		{BotType: "a", WorkerTargetQueue: "q", Cadence: &CadenceRule{IntervalSeconds: -5}},
		{BotType: "a", WorkerTargetQueue: "q", Cadence: &CadenceRule{IntervalSeconds: 5, MaxPerInterval: -1}},
	}
	for i, d := range invalid {
		if err := d.Validate(); err == nil {
			t.Errorf("case %d: expected validation to fail, but it passed", i)
		}
	}
}

// TestBotGroupValidate tests group validation
func TestBotGroupValidate(t *testing.T) {
	g := &BotGroup{GroupID: "g", BotTypes: []string{"a"}, ExecutionRule: ExecutionRule{Type: RuleRoundRobin}}
	if err := g.Validate(); err != nil {
		t.Errorf("valid group failed validation: %v", err)
	}

	g.BotTypes = nil
	if err := g.Validate(); err == nil {
		t.Error("expected validation to fail for empty botTypes")
	}

	g.BotTypes = []string{"a"}
	g.ExecutionRule = ExecutionRule{Type: "RANDOM"}
	if err := g.Validate(); err == nil {
		t.Error("expected validation to fail for unknown rule")
	}
}
