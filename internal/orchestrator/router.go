package orchestrator

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/mapagov/helena/internal/flow"
	"github.com/mapagov/helena/internal/input"
	"github.com/mapagov/helena/internal/models"
)

//go:embed triggers.yaml
var defaultTriggersYAML []byte

// Trigger maps switch phrases to a product.
type Trigger struct {
	Product string   `yaml:"product"`
	Phrases []string `yaml:"phrases"`
}

// Triggers is the keyword table consulted when neither the current product
// nor its intent detector picks a target.
type Triggers struct {
	Triggers []Trigger `yaml:"triggers"`
	index    map[string]string
}

// ParseTriggers reads a trigger table. Phrases are normalized on load.
func ParseTriggers(data []byte) (*Triggers, error) {
	var t Triggers
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse triggers: %w", err)
	}
	t.index = map[string]string{}
	for _, trig := range t.Triggers {
		for _, phrase := range trig.Phrases {
			n := input.Normalize(phrase)
			if n == "" {
				continue
			}
			if prev, dup := t.index[n]; dup && prev != trig.Product {
				return nil, fmt.Errorf("trigger %q maps to both %s and %s", phrase, prev, trig.Product)
			}
			t.index[n] = trig.Product
		}
	}
	return &t, nil
}

// DefaultTriggers returns the embedded trigger table.
func DefaultTriggers() (*Triggers, error) {
	return ParseTriggers(defaultTriggersYAML)
}

// Match returns the product whose phrase equals the normalized message.
func (t *Triggers) Match(message string) (string, bool) {
	if t == nil {
		return "", false
	}
	p, ok := t.index[input.Normalize(message)]
	return p, ok
}

// Route resolves the product that should handle message. The current
// product wins unless it declares an intent to switch, or the message is an
// explicit switch command from the trigger table. Targets that are not
// registered are ignored.
func (o *Orchestrator) Route(ctx context.Context, message string, sess models.Session) (flow.Product, error) {
	current, err := o.registry.Lookup(sess.CurrentProduct)
	if err != nil {
		slog.Error("Orchestrator.Route: current product not registered", "sessionID", sess.ID, "product", sess.CurrentProduct)
		return nil, err
	}

	if detector, ok := current.(flow.IntentDetector); ok {
		if target, found := detector.DetectIntent(message); found && target != current.Name() {
			if p, registered := o.registry.Get(target); registered {
				slog.Debug("Orchestrator.Route: product intent", "sessionID", sess.ID, "from", current.Name(), "to", target)
				return p, nil
			}
			slog.Debug("Orchestrator.Route: intent target not registered", "sessionID", sess.ID, "target", target)
		}
	}

	if target, found := o.triggers.Match(message); found && target != current.Name() {
		if p, registered := o.registry.Get(target); registered {
			slog.Debug("Orchestrator.Route: keyword trigger", "sessionID", sess.ID, "from", current.Name(), "to", target)
			return p, nil
		}
	}
	return current, nil
}
