// Package steps holds the step/scenario/substep arena built by the steps
// wizard. Entities are addressed by stable string ids; ordinals are derived
// from list order whenever they are rendered and are never stored.
package steps

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ConditionType is the kind of decision a conditional step makes.
type ConditionType string

const (
	ConditionBinary ConditionType = "binario"
	ConditionMulti  ConditionType = "multiplo"
)

// BinaryScenarioCount is the fixed number of scenarios for binary decisions.
const BinaryScenarioCount = 2

// MinMultiScenarios is the smallest scenario count a multi-branch decision accepts.
const MinMultiScenarios = 2

var (
	// ErrStepNotFound is returned when an id or ordinal does not resolve.
	ErrStepNotFound = errors.New("step not found")
	// ErrReferencedStep is returned when removing a step that a scenario still points at.
	ErrReferencedStep = errors.New("step is referenced by a conditional scenario")
	// ErrMixedStep is returned when a step holds both details and scenarios.
	ErrMixedStep = errors.New("step cannot hold both details and conditional scenarios")
	// ErrScenarioCount is returned when a conditional step has the wrong number of scenarios.
	ErrScenarioCount = errors.New("invalid scenario count")
)

// DocumentRef references a document required or produced by a step.
type DocumentRef struct {
	Name   string `json:"name"`
	Kind   string `json:"kind,omitempty"`
	Source string `json:"source,omitempty"`
}

// Substep is one ordered action inside a scenario.
type Substep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// Scenario is one branch of a conditional step. NextStepID, when set, is the
// id of the step the branch jumps to.
type Scenario struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	NextStepID  string    `json:"next_step_id,omitempty"`
	Substeps    []Substep `json:"substeps"`
}

// Step is a single process step under construction.
type Step struct {
	ID                 string        `json:"id"`
	Description        string        `json:"description"`
	Operator           string        `json:"operator,omitempty"`
	Systems            []string      `json:"systems,omitempty"`
	RequiredDocuments  []DocumentRef `json:"required_documents,omitempty"`
	GeneratedDocuments []DocumentRef `json:"generated_documents,omitempty"`
	Details            []string      `json:"details,omitempty"`
	IsConditional      bool          `json:"is_conditional"`
	ConditionType      ConditionType `json:"condition_type,omitempty"`
	PreDecision        string        `json:"pre_decision,omitempty"`
	Scenarios          []Scenario    `json:"scenarios,omitempty"`
	Frozen             bool          `json:"frozen"`
}

// Validate checks the structural invariant of a step.
func (s *Step) Validate() error {
	if len(s.Details) > 0 && (s.IsConditional || len(s.Scenarios) > 0) {
		return ErrMixedStep
	}
	if !s.IsConditional {
		return nil
	}
	switch s.ConditionType {
	case ConditionBinary:
		if len(s.Scenarios) != BinaryScenarioCount {
			return fmt.Errorf("%w: binary decision needs %d, got %d", ErrScenarioCount, BinaryScenarioCount, len(s.Scenarios))
		}
	case ConditionMulti:
		if len(s.Scenarios) < MinMultiScenarios {
			return fmt.Errorf("%w: multi decision needs at least %d, got %d", ErrScenarioCount, MinMultiScenarios, len(s.Scenarios))
		}
	default:
		return fmt.Errorf("unknown condition type %q", s.ConditionType)
	}
	return nil
}

// Arena owns every step of one steps session.
type Arena struct {
	Order []string         `json:"order"`
	Steps map[string]*Step `json:"steps"`
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{Order: []string{}, Steps: map[string]*Step{}}
}

// NewID returns a fresh entity id.
func NewID() string {
	return uuid.NewString()
}

// Len returns the number of steps.
func (a *Arena) Len() int {
	return len(a.Order)
}

// Get returns the step with the given id.
func (a *Arena) Get(id string) (*Step, bool) {
	s, ok := a.Steps[id]
	return s, ok
}

// List returns the steps in order.
func (a *Arena) List() []*Step {
	out := make([]*Step, 0, len(a.Order))
	for _, id := range a.Order {
		out = append(out, a.Steps[id])
	}
	return out
}

// Append adds a step at the end, assigning an id if it has none.
func (a *Arena) Append(s *Step) string {
	a.ensure(s)
	a.Order = append(a.Order, s.ID)
	return s.ID
}

// InsertAfter adds a step right after afterID. An empty afterID inserts at
// the front.
func (a *Arena) InsertAfter(afterID string, s *Step) (string, error) {
	pos := 0
	if afterID != "" {
		idx := a.index(afterID)
		if idx < 0 {
			return "", fmt.Errorf("%w: %s", ErrStepNotFound, afterID)
		}
		pos = idx + 1
	}
	a.ensure(s)
	a.Order = append(a.Order, "")
	copy(a.Order[pos+1:], a.Order[pos:])
	a.Order[pos] = s.ID
	return s.ID, nil
}

// Remove deletes a step. It fails without mutating the arena when any
// scenario of another step still points at it.
func (a *Arena) Remove(id string) error {
	idx := a.index(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrStepNotFound, id)
	}
	if refs := a.ReferencesTo(id); len(refs) > 0 {
		return fmt.Errorf("%w: referenced by step %s", ErrReferencedStep, strings.Join(refs, ", "))
	}
	a.Order = append(a.Order[:idx], a.Order[idx+1:]...)
	delete(a.Steps, id)
	return nil
}

// ReferencesTo returns the ordinals of the steps whose scenarios point at id.
func (a *Arena) ReferencesTo(id string) []string {
	var refs []string
	for i, sid := range a.Order {
		if sid == id {
			continue
		}
		for _, sc := range a.Steps[sid].Scenarios {
			if sc.NextStepID == id {
				refs = append(refs, strconv.Itoa(i+1))
				break
			}
		}
	}
	return refs
}

// Ordinal returns the 1-based position of a step as a string.
func (a *Arena) Ordinal(id string) (string, bool) {
	idx := a.index(id)
	if idx < 0 {
		return "", false
	}
	return strconv.Itoa(idx + 1), true
}

// ScenarioOrdinal returns "N.k" for a scenario of a step.
func (a *Arena) ScenarioOrdinal(stepID, scenarioID string) (string, bool) {
	n, ok := a.Ordinal(stepID)
	if !ok {
		return "", false
	}
	for k, sc := range a.Steps[stepID].Scenarios {
		if sc.ID == scenarioID {
			return n + "." + strconv.Itoa(k+1), true
		}
	}
	return "", false
}

// SubstepOrdinal returns "N.k.j" for a substep of a scenario.
func (a *Arena) SubstepOrdinal(stepID, scenarioID, substepID string) (string, bool) {
	prefix, ok := a.ScenarioOrdinal(stepID, scenarioID)
	if !ok {
		return "", false
	}
	for _, sc := range a.Steps[stepID].Scenarios {
		if sc.ID != scenarioID {
			continue
		}
		for j, sub := range sc.Substeps {
			if sub.ID == substepID {
				return prefix + "." + strconv.Itoa(j+1), true
			}
		}
	}
	return "", false
}

// ByOrdinal resolves a 1-based step ordinal ("3") to its id.
func (a *Arena) ByOrdinal(ordinal string) (string, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(ordinal))
	if err != nil || n < 1 || n > len(a.Order) {
		return "", false
	}
	return a.Order[n-1], true
}

// Validate checks every step and every cross-reference.
func (a *Arena) Validate() error {
	if len(a.Order) != len(a.Steps) {
		return fmt.Errorf("arena order has %d ids but %d steps", len(a.Order), len(a.Steps))
	}
	for _, id := range a.Order {
		s, ok := a.Steps[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrStepNotFound, id)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", id, err)
		}
		for _, sc := range s.Scenarios {
			if sc.NextStepID == "" {
				continue
			}
			if _, ok := a.Steps[sc.NextStepID]; !ok {
				return fmt.Errorf("step %s scenario %s: %w: %s", id, sc.ID, ErrStepNotFound, sc.NextStepID)
			}
		}
	}
	return nil
}

// Render returns a numbered plain-text outline of the arena.
func (a *Arena) Render() string {
	var b strings.Builder
	for i, id := range a.Order {
		s := a.Steps[id]
		n := strconv.Itoa(i + 1)
		fmt.Fprintf(&b, "%s. %s", n, s.Description)
		if s.Operator != "" {
			fmt.Fprintf(&b, " (%s)", s.Operator)
		}
		b.WriteString("\n")
		if s.IsConditional {
			if s.PreDecision != "" {
				fmt.Fprintf(&b, "   Decisão: %s\n", s.PreDecision)
			}
			for k, sc := range s.Scenarios {
				fmt.Fprintf(&b, "   %s.%d %s", n, k+1, sc.Description)
				if target, ok := a.Ordinal(sc.NextStepID); ok {
					fmt.Fprintf(&b, " -> etapa %s", target)
				}
				b.WriteString("\n")
				for j, sub := range sc.Substeps {
					fmt.Fprintf(&b, "      %s.%d.%d %s\n", n, k+1, j+1, sub.Description)
				}
			}
			continue
		}
		for _, d := range s.Details {
			fmt.Fprintf(&b, "   - %s\n", d)
		}
	}
	return b.String()
}

func (a *Arena) index(id string) int {
	for i, sid := range a.Order {
		if sid == id {
			return i
		}
	}
	return -1
}

func (a *Arena) ensure(s *Step) {
	if s.ID == "" {
		s.ID = NewID()
	}
	if a.Steps == nil {
		a.Steps = map[string]*Step{}
	}
	a.Steps[s.ID] = s
}
