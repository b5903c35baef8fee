package config

import (
	"context"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/dyluth/botrelay/pkg/store"
)

// Definitions is a bot catalogue file applied to the store by `botrelay config apply`.
// It is decoded through the JSON tags of the store types, so a definitions file
// may be written in YAML or JSON.
type Definitions struct {
	BotTypes     []store.BotDescriptor     `json:"botTypes,omitempty"`
	BotGroups    []store.BotGroup          `json:"botGroups,omitempty"`
	WorkerQueues []store.WorkerQueueConfig `json:"workerQueues,omitempty"`
}

// ConfigWriter stores admin-plane configuration
type ConfigWriter interface {
	SaveBotDescriptor(ctx context.Context, d *store.BotDescriptor) error
	SaveBotGroup(ctx context.Context, g *store.BotGroup) error
	SaveWorkerQueueOverride(ctx context.Context, w *store.WorkerQueueConfig) error
}

// Validate checks every entry and that group members are defined in the same file
// or already known (known may be nil).
func (d *Definitions) Validate(known map[string]bool) error {
	if len(d.BotTypes) == 0 && len(d.BotGroups) == 0 && len(d.WorkerQueues) == 0 {
		return fmt.Errorf("no definitions found")
	}

	defined := make(map[string]bool, len(d.BotTypes))
	for i := range d.BotTypes {
		b := &d.BotTypes[i]
		if err := b.Validate(); err != nil {
			return fmt.Errorf("botTypes[%d]: %w", i, err)
		}
		if defined[b.BotType] {
			return fmt.Errorf("duplicate bot type '%s'", b.BotType)
		}
		defined[b.BotType] = true
	}

	for i := range d.BotGroups {
		g := &d.BotGroups[i]
		if err := g.Validate(); err != nil {
			return fmt.Errorf("botGroups[%d]: %w", i, err)
		}
		for _, member := range g.BotTypes {
			if !defined[member] && !known[member] {
				return fmt.Errorf("group '%s' references unknown bot type '%s'", g.GroupID, member)
			}
		}
	}

	for i := range d.WorkerQueues {
		if err := d.WorkerQueues[i].Validate(); err != nil {
			return fmt.Errorf("workerQueues[%d]: %w", i, err)
		}
	}

	return nil
}

// Apply writes every definition to the store: bot types first, then groups and
// queue overrides. It stops at the first failure.
func (d *Definitions) Apply(ctx context.Context, w ConfigWriter) error {
	for i := range d.BotTypes {
		if err := w.SaveBotDescriptor(ctx, &d.BotTypes[i]); err != nil {
			return err
		}
	}
	for i := range d.BotGroups {
		if err := w.SaveBotGroup(ctx, &d.BotGroups[i]); err != nil {
			return err
		}
	}
	for i := range d.WorkerQueues {
		if err := w.SaveWorkerQueueOverride(ctx, &d.WorkerQueues[i]); err != nil {
			return err
		}
	}
	return nil
}

// LoadDefinitions reads a definitions file. Cross-references are not checked
// here; call Validate with the bots already in the store.
func LoadDefinitions(path string) (*Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}

	var defs Definitions
	if err := yaml.UnmarshalStrict(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}
	return &defs, nil
}
