package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mapagov/helena/internal/catalog"
	"github.com/mapagov/helena/internal/input"
	"github.com/mapagov/helena/internal/metrics"
	"github.com/mapagov/helena/internal/models"
)

// Product is one conversational wizard registered with the orchestrator.
type Product interface {
	Name() string
	Title() string
	// AcceptedFields lists the collected keys this product understands on
	// an inbound hand-off.
	AcceptedFields() []string
	// InitializeState builds a fresh state. payload may be nil.
	InitializeState(sessionID string, payload *HandoffPayload) models.ConversationState
	Process(ctx context.Context, message string, state models.ConversationState) (Result, models.ConversationState, error)
}

// IntentDetector is implemented by products that can recognize a request to
// switch to another product.
type IntentDetector interface {
	DetectIntent(message string) (target string, ok bool)
}

// Greeter is implemented by products that open with a prompt right after a
// hand-off, before the user has said anything.
type Greeter interface {
	Greeting(state models.ConversationState) string
}

// HandoffPayload carries context from a finished product to the next one.
type HandoffPayload struct {
	SourceProduct   string        `json:"source_product"`
	TargetProduct   string        `json:"target_product"`
	InheritedFields models.Fields `json:"inherited_fields"`
}

// BuildHandoff copies the keys of source.Collected that target accepts.
// Every other key is dropped.
func BuildHandoff(source models.ConversationState, target Product) *HandoffPayload {
	inherited := models.Fields{}
	collected := source.Collected.Clone()
	for _, k := range target.AcceptedFields() {
		if v, ok := collected[k]; ok {
			inherited[k] = v
		}
	}
	slog.Debug("flow.BuildHandoff: built", "source", source.Product, "target", target.Name(), "fields", len(inherited))
	return &HandoffPayload{SourceProduct: source.Product, TargetProduct: target.Name(), InheritedFields: inherited}
}

// Inherited returns the payload fields, or an empty map for a cold start.
func (p *HandoffPayload) Inherited() models.Fields {
	if p == nil || p.InheritedFields == nil {
		return models.Fields{}
	}
	return p.InheritedFields.Clone()
}

// Registry holds the products available to a session.
type Registry struct {
	mu       sync.RWMutex
	products map[string]Product
}

// NewRegistry registers products in order. Duplicate names are an error.
func NewRegistry(products ...Product) (*Registry, error) {
	r := &Registry{products: map[string]Product{}}
	for _, p := range products {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds p.
func (r *Registry) Register(p Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.products[p.Name()]; exists {
		return &ConfigurationError{Machine: "registry", Reason: fmt.Sprintf("product %q registered twice", p.Name())}
	}
	r.products[p.Name()] = p
	slog.Debug("Registry.Register: product registered", "product", p.Name())
	return nil
}

// Get returns the product named name.
func (r *Registry) Get(name string) (Product, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[name]
	return p, ok
}

// Lookup is Get that reports a missing product as a ConfigurationError.
func (r *Registry) Lookup(name string) (Product, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, &ConfigurationError{Machine: "registry", Reason: fmt.Sprintf("product %q is not registered", name)}
	}
	return p, nil
}

// Names returns the registered product names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.products))
	for n := range r.products {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Confirm implements the two-step confirmation pattern. On an affirmative
// answer the candidate temp[key] is promoted into collected[key] and the
// machine moves to next; on a negative answer the candidate is dropped and
// the machine returns to back. Anything else re-prompts.
func Confirm(t *Turn, key string, next, back StateID, onYes, onNo, again string) Transition {
	switch input.ClassifyYesNo(t.Message) {
	case input.Yes:
		v, ok := t.Temp()[key]
		if !ok {
			return Goto(back, onNo)
		}
		t.Collected()[key] = v
		delete(t.Temp(), key)
		return Goto(next, onYes)
	case input.No:
		delete(t.Temp(), key)
		return Goto(back, onNo)
	default:
		return Reject(again)
	}
}

// Deps are the collaborators of the default products.
type Deps struct {
	Catalog    *catalog.Catalog
	Codes      CodeIssuer
	Risks      RiskRecorder
	Metrics    *metrics.Collector
	LLM        Completer
	LLMTimeout time.Duration
}

// NewDefaultRegistry registers the pop, etapas, riscos and ajuda products.
func NewDefaultRegistry(d Deps) (*Registry, error) {
	if d.Codes == nil || d.Risks == nil {
		return nil, &ConfigurationError{Machine: "registry", Reason: "code issuer and risk recorder are required"}
	}
	cat := d.Catalog
	if cat == nil {
		var err error
		if cat, err = catalog.Default(); err != nil {
			return nil, err
		}
	}
	return NewRegistry(
		NewPOPProduct(cat, d.Codes),
		NewStepsProduct(),
		NewRiskProduct(cat, d.Risks, d.Codes, d.Metrics),
		NewAssistantProduct(d.LLM, d.LLMTimeout),
	)
}
