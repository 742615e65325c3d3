// Package flow implements the conversational state machine engine and the
// products built on it.
//
// A Machine maps each declared state to exactly one Handler. Handlers run
// against a deep copy of the conversation state; a handler that rejects the
// input leaves the original state untouched.
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mapagov/helena/internal/models"
)

// StateID names a state of a product's machine.
type StateID string

// ConfigurationError reports a broken machine or registry: an unknown
// current state, a handler returning an undeclared state, or a product
// that is not registered. It is never turned into a user message.
type ConfigurationError struct {
	Machine string
	State   string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("flow configuration error in %s: %s", e.Machine, e.Reason)
	}
	return fmt.Sprintf("flow configuration error in %s at state %s: %s", e.Machine, e.State, e.Reason)
}

// UIDirective tells the client how to render the turn (option buttons,
// confirmation, review card...).
type UIDirective struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Result is the outcome of one turn.
type Result struct {
	Response    string       `json:"response_text"`
	NextState   StateID      `json:"next_state"`
	UIDirective *UIDirective `json:"ui_directive,omitempty"`
	Badge       string       `json:"badge,omitempty"`
	Progress    string       `json:"progress,omitempty"`
	Completed   bool         `json:"completed"`
	Handoff     string       `json:"handoff,omitempty"`
	Suggested   string       `json:"suggested_product,omitempty"`
	Rejected    bool         `json:"rejected"`
}

// Turn is what a handler sees: the inbound message and a private copy of the
// state it may mutate.
type Turn struct {
	Ctx     context.Context
	Message string
	State   *models.ConversationState
}

// Collected returns the collected fields of the working state.
func (t *Turn) Collected() models.Fields {
	return t.State.Collected
}

// Temp returns the pending fields of the working state.
func (t *Turn) Temp() models.Fields {
	return t.State.Temp
}

// Handler processes one message in one state.
type Handler func(t *Turn) Transition

// Transition is a handler's verdict. Build it with Goto, Stay, Reject or
// Fail.
type Transition struct {
	next      StateID
	response  string
	directive *UIDirective
	badge     string
	completed bool
	handoff   string
	suggested string
	rejected  bool
	err       error
}

// Goto advances to next with the given response.
func Goto(next StateID, response string) Transition {
	return Transition{next: next, response: response}
}

// Stay keeps the current state but commits any mutation the handler made.
func Stay(response string) Transition {
	return Transition{response: response}
}

// Reject discards every mutation and re-prompts with response.
func Reject(response string) Transition {
	return Transition{response: response, rejected: true}
}

// Fail aborts the turn with an internal error. Nothing is committed.
func Fail(err error) Transition {
	return Transition{err: err}
}

// WithDirective attaches a UI directive.
func (t Transition) WithDirective(kind string, data map[string]interface{}) Transition {
	t.directive = &UIDirective{Type: kind, Data: data}
	return t
}

// WithBadge attaches a side-effect badge.
func (t Transition) WithBadge(badge string) Transition {
	t.badge = badge
	return t
}

// Complete marks the product finished and nominates the hand-off target,
// which may be empty.
func (t Transition) Complete(handoff string) Transition {
	t.completed = true
	t.handoff = handoff
	return t
}

// Suggest hints the next product without handing off.
func (t Transition) Suggest(product string) Transition {
	t.suggested = product
	return t
}

// Machine is a table-driven state machine.
type Machine struct {
	name     string
	initial  StateID
	handlers map[StateID]Handler
	order    []StateID
}

// NewMachine builds a machine. order lists the states in wizard order and
// is used for progress reporting; states absent from order still dispatch.
func NewMachine(name string, initial StateID, handlers map[StateID]Handler, order ...StateID) (*Machine, error) {
	if _, ok := handlers[initial]; !ok {
		return nil, &ConfigurationError{Machine: name, State: string(initial), Reason: "initial state has no handler"}
	}
	for _, s := range order {
		if _, ok := handlers[s]; !ok {
			return nil, &ConfigurationError{Machine: name, State: string(s), Reason: "ordered state has no handler"}
		}
	}
	return &Machine{name: name, initial: initial, handlers: handlers, order: order}, nil
}

// MustMachine is NewMachine for package-level product tables.
func MustMachine(name string, initial StateID, handlers map[StateID]Handler, order ...StateID) *Machine {
	m, err := NewMachine(name, initial, handlers, order...)
	if err != nil {
		panic(err)
	}
	return m
}

// Name returns the machine name.
func (m *Machine) Name() string { return m.name }

// Initial returns the initial state.
func (m *Machine) Initial() StateID { return m.initial }

// Has reports whether s is a declared state.
func (m *Machine) Has(s StateID) bool {
	_, ok := m.handlers[s]
	return ok
}

// Progress renders the position of s in the wizard order as "n/total".
func (m *Machine) Progress(s StateID) string {
	for i, o := range m.order {
		if o == s {
			return fmt.Sprintf("%d/%d", i+1, len(m.order))
		}
	}
	return ""
}

// Transition dispatches msg to the handler of state.CurrentState.
func (m *Machine) Transition(ctx context.Context, msg string, state models.ConversationState) (Result, models.ConversationState, error) {
	current := StateID(state.CurrentState)
	h, ok := m.handlers[current]
	if !ok {
		err := &ConfigurationError{Machine: m.name, State: string(current), Reason: "no handler registered"}
		slog.Error("Machine.Transition: unknown state", "machine", m.name, "state", current)
		return Result{}, state, err
	}

	work := state.Clone()
	tr := h(&Turn{Ctx: ctx, Message: msg, State: &work})

	if tr.err != nil {
		slog.Error("Machine.Transition: handler failed", "machine", m.name, "state", current, "error", tr.err)
		return Result{}, state, fmt.Errorf("%s handler %s: %w", m.name, current, tr.err)
	}

	res := Result{
		Response:    tr.response,
		UIDirective: tr.directive,
		Badge:       tr.badge,
		Completed:   tr.completed,
		Handoff:     tr.handoff,
		Suggested:   tr.suggested,
	}

	if tr.rejected {
		slog.Debug("Machine.Transition: input rejected", "machine", m.name, "state", current)
		res.NextState = current
		res.Rejected = true
		res.Progress = m.Progress(current)
		return res, state, nil
	}

	next := tr.next
	if next == "" {
		next = current
	}
	if !m.Has(next) {
		slog.Error("Machine.Transition: undeclared next state", "machine", m.name, "state", current, "next", next)
		return Result{}, state, &ConfigurationError{Machine: m.name, State: string(next), Reason: "handler returned an undeclared state from " + string(current)}
	}
	work.CurrentState = string(next)
	res.NextState = next
	res.Progress = m.Progress(next)
	slog.Debug("Machine.Transition: advanced", "machine", m.name, "from", current, "to", next)
	return res, work, nil
}
