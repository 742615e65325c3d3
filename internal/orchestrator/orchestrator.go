// Package orchestrator runs one chat turn end to end: it resolves the
// session, routes the message to a product, persists the new state, hands
// context over between products and logs every exchange under its request
// id so that retries are answered from the log.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mapagov/helena/internal/flow"
	"github.com/mapagov/helena/internal/metrics"
	"github.com/mapagov/helena/internal/models"
	"github.com/mapagov/helena/internal/store"
)

// Agent identity reported in every response.
const (
	AgentName           = "Helena"
	DefaultAgentVersion = "1.0.0"
)

// ApologyMessage is the user-facing text of a failed turn.
const ApologyMessage = "Desculpe, tive um problema para processar sua mensagem. Pode tentar novamente?"

var (
	// ErrSessionClosed is returned for messages sent to a finalized session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRequestConflict is returned when a request id was already used in
	// another session.
	ErrRequestConflict = errors.New("request id belongs to another session")
)

// Opts configures an Orchestrator.
type Opts struct {
	DefaultProduct string
	AgentVersion   string
	DevMode        bool
	Metrics        *metrics.Collector
	Triggers       *Triggers
	Now            func() time.Time
	NewID          func() string
}

// Option mutates Opts.
type Option func(*Opts)

// WithDefaultProduct sets the product new sessions start in.
func WithDefaultProduct(name string) Option {
	return func(o *Opts) { o.DefaultProduct = name }
}

// WithAgentVersion sets the version reported in response metadata.
func WithAgentVersion(v string) Option {
	return func(o *Opts) { o.AgentVersion = v }
}

// WithDevMode includes diagnostic detail in failed turns.
func WithDevMode(dev bool) Option {
	return func(o *Opts) { o.DevMode = dev }
}

// WithMetrics records turn metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Opts) { o.Metrics = c }
}

// WithTriggers replaces the embedded keyword trigger table.
func WithTriggers(t *Triggers) Option {
	return func(o *Opts) { o.Triggers = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithIDGenerator overrides the session and request id generator.
func WithIDGenerator(gen func() string) Option {
	return func(o *Opts) { o.NewID = gen }
}

// Orchestrator owns the session protocol. It is safe for concurrent use;
// turns of the same session are serialized.
type Orchestrator struct {
	store    store.Store
	registry *flow.Registry
	states   flow.StateManager
	triggers *Triggers
	opts     Opts
	locks    *sessionLocks
	creates  singleflight.Group
}

// SessionView is a session with the state of every product it ran.
type SessionView struct {
	Session models.Session             `json:"session"`
	States  []models.ConversationState `json:"states"`
}

// New creates an Orchestrator. The default product must be registered.
func New(st store.Store, registry *flow.Registry, sm flow.StateManager, opts ...Option) (*Orchestrator, error) {
	o := Opts{
		DefaultProduct: flow.ProductPOP,
		AgentVersion:   DefaultAgentVersion,
		Now:            time.Now,
		NewID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := registry.Lookup(o.DefaultProduct); err != nil {
		return nil, err
	}
	if o.Triggers == nil {
		t, err := DefaultTriggers()
		if err != nil {
			return nil, err
		}
		o.Triggers = t
	}
	slog.Debug("Orchestrator.New: created", "defaultProduct", o.DefaultProduct, "devMode", o.DevMode, "products", registry.Names())
	return &Orchestrator{
		store:    st,
		registry: registry,
		states:   sm,
		triggers: o.Triggers,
		opts:     o,
		locks:    newSessionLocks(),
	}, nil
}

// Products returns the registered product names.
func (o *Orchestrator) Products() []string {
	return o.registry.Names()
}

// GetOrCreateSession returns the session with sessionID, creating it bound
// to userID and the default product when absent. Concurrent creates of the
// same id in this process share one store call; across processes the store
// converges on a single record.
func (o *Orchestrator) GetOrCreateSession(ctx context.Context, sessionID, userID string) (models.Session, error) {
	if sessionID == "" {
		sessionID = o.opts.NewID()
	}
	v, err, shared := o.creates.Do(sessionID, func() (interface{}, error) {
		now := o.opts.Now()
		sess, created, err := o.store.GetOrCreateSession(ctx, models.Session{
			ID:             sessionID,
			UserID:         userID,
			CurrentProduct: o.opts.DefaultProduct,
			Status:         models.SessionStatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return nil, err
		}
		if created {
			slog.Info("Orchestrator.GetOrCreateSession: session created", "sessionID", sessionID, "userID", userID, "product", sess.CurrentProduct)
		}
		return sess, nil
	})
	if err != nil {
		slog.Error("Orchestrator.GetOrCreateSession: store failed", "sessionID", sessionID, "error", err)
		return models.Session{}, fmt.Errorf("failed to get or create session: %w", err)
	}
	if shared {
		slog.Debug("Orchestrator.GetOrCreateSession: shared create", "sessionID", sessionID)
	}
	return v.(models.Session), nil
}

// ProcessMessage runs one turn. A request id that was already answered
// returns the stored response without touching any state. The product
// states, the session and the message log entry of a turn are committed
// together, so a failed write leaves no trace and a retry runs the turn
// again. Configuration errors and store failures are returned; failures
// inside a product become an apology response and nothing is persisted.
func (o *Orchestrator) ProcessMessage(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	start := o.opts.Now()
	if err := req.Validate(); err != nil {
		return models.ChatResponse{}, err
	}
	if req.RequestID == "" {
		req.RequestID = o.opts.NewID()
	} else if resp, ok, err := o.replay(ctx, req.RequestID, req.SessionID); err != nil || ok {
		return resp, err
	}

	sess, err := o.GetOrCreateSession(ctx, req.SessionID, req.UserID)
	if err != nil {
		return models.ChatResponse{}, err
	}

	unlock := o.locks.lock(sess.ID)
	defer unlock()

	// Re-read under the lock: an earlier turn may have switched products
	// or finalized the session, and a concurrent retry may have answered.
	if resp, ok, err := o.replay(ctx, req.RequestID, req.SessionID); err != nil || ok {
		return resp, err
	}
	if sess, err = o.store.GetSession(ctx, sess.ID); err != nil {
		return models.ChatResponse{}, fmt.Errorf("failed to reload session: %w", err)
	}
	if sess.IsConcluded() {
		slog.Warn("Orchestrator.ProcessMessage: session closed", "sessionID", sess.ID, "requestID", req.RequestID)
		return models.ChatResponse{}, ErrSessionClosed
	}

	product, err := o.Route(ctx, req.Message, sess)
	if err != nil {
		return models.ChatResponse{}, err
	}

	var (
		resp models.ChatResponse
		w    writes
	)
	if product.Name() != sess.CurrentProduct {
		resp, err = o.switchProduct(ctx, &sess, product, &w)
	} else {
		resp, err = o.runTurn(ctx, &sess, product, req.Message, &w)
	}
	if err != nil {
		var cfg *flow.ConfigurationError
		if errors.As(err, &cfg) {
			slog.Error("Orchestrator.ProcessMessage: configuration error", "sessionID", sess.ID, "product", product.Name(), "error", err)
			o.opts.Metrics.RecordMessage(product.Name(), "config_error", o.opts.Now().Sub(start))
			return models.ChatResponse{}, err
		}
		if errors.Is(err, errTurnFailed) {
			o.opts.Metrics.RecordMessage(product.Name(), "error", o.opts.Now().Sub(start))
			return o.apology(sess, req.RequestID, err), nil
		}
		o.opts.Metrics.RecordMessage(product.Name(), "store_error", o.opts.Now().Sub(start))
		return models.ChatResponse{}, err
	}

	resp.SessionID = sess.ID
	resp.RequestID = req.RequestID
	resp.ActiveProduct = sess.CurrentProduct
	resp.AvailableProducts = o.registry.Names()
	resp.Metadata = o.metadata()

	sess.UpdatedAt = o.opts.Now()
	record := models.MessageRecord{
		RequestID:    req.RequestID,
		SessionID:    sess.ID,
		Product:      product.Name(),
		UserMessage:  req.Message,
		ResponseText: resp.ResponseText,
		Response:     resp,
		CreatedAt:    o.opts.Now(),
	}
	added, err := o.states.Commit(ctx, store.Turn{Session: sess, States: w.states, Message: record})
	if err != nil {
		slog.Error("Orchestrator.ProcessMessage: failed to commit turn", "sessionID", sess.ID, "requestID", req.RequestID, "error", err)
		o.opts.Metrics.RecordMessage(product.Name(), "store_error", o.opts.Now().Sub(start))
		return models.ChatResponse{}, fmt.Errorf("failed to commit turn: %w", err)
	}
	if !added {
		// Another process logged the same request id first; its answer wins.
		return o.replayed(ctx, req.RequestID, req.SessionID)
	}
	for _, h := range w.handoffs {
		o.opts.Metrics.RecordHandoff(h.from, h.to)
	}

	o.opts.Metrics.RecordMessage(product.Name(), "ok", o.opts.Now().Sub(start))
	slog.Debug("Orchestrator.ProcessMessage: turn done", "sessionID", sess.ID, "requestID", req.RequestID, "product", resp.ActiveProduct)
	return resp, nil
}

// errTurnFailed marks failures inside a product turn.
var errTurnFailed = errors.New("turn failed")

// writes collects what a turn changes until it is committed.
type writes struct {
	states   []*models.ConversationState
	handoffs []handoffEvent
}

type handoffEvent struct{ from, to string }

func (w *writes) stage(st models.ConversationState) {
	for _, pending := range w.states {
		if pending.Product == st.Product {
			*pending = st
			return
		}
	}
	w.states = append(w.states, &st)
}

// runTurn feeds message to product and handles completion hand-off.
func (o *Orchestrator) runTurn(ctx context.Context, sess *models.Session, product flow.Product, message string, w *writes) (models.ChatResponse, error) {
	state, found, err := o.states.Load(ctx, sess.ID, product.Name())
	if err != nil {
		return models.ChatResponse{}, err
	}
	if !found {
		state = product.InitializeState(sess.ID, nil)
	}

	res, next, err := o.process(ctx, product, message, state)
	if err != nil {
		return models.ChatResponse{}, err
	}
	if res.Rejected {
		o.opts.Metrics.RecordRejected(product.Name(), string(res.NextState))
	}

	w.stage(next)

	resp := models.ChatResponse{
		ResponseText:     res.Response,
		Progress:         res.Progress,
		SuggestedProduct: res.Suggested,
		Badge:            res.Badge,
		ExtractedFields:  next.Collected.Clone(),
	}
	if res.UIDirective != nil {
		resp.UIDirectiveType = res.UIDirective.Type
		resp.UIDirectiveData = res.UIDirective.Data
	}
	if suggested := resp.SuggestedProduct; suggested != "" {
		if _, ok := o.registry.Get(suggested); !ok {
			resp.SuggestedProduct = ""
		}
	}

	if res.Completed && res.Handoff != "" {
		greeting, _, err := o.handoff(ctx, sess, next, res.Handoff, w)
		if err != nil {
			return models.ChatResponse{}, err
		}
		resp.ResponseText = joinParagraphs(resp.ResponseText, greeting)
		resp.Progress = ""
	}
	return resp, nil
}

// process calls the product and turns panics and handler errors into
// errTurnFailed. Configuration errors pass through unchanged.
func (o *Orchestrator) process(ctx context.Context, product flow.Product, message string, state models.ConversationState) (res flow.Result, next models.ConversationState, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator.process: product panicked", "sessionID", state.SessionID, "product", product.Name(), "state", state.CurrentState, "panic", r)
			err = fmt.Errorf("%w: panic in %s: %v", errTurnFailed, product.Name(), r)
		}
	}()
	res, next, err = product.Process(ctx, message, state)
	if err != nil {
		var cfg *flow.ConfigurationError
		if errors.As(err, &cfg) {
			return res, next, err
		}
		slog.Error("Orchestrator.process: turn failed", "sessionID", state.SessionID, "product", product.Name(), "state", state.CurrentState, "error", err)
		return res, next, fmt.Errorf("%w: %w", errTurnFailed, err)
	}
	return res, next, nil
}

// handoff activates target with the fields of source it accepts. An
// existing target state is resumed as is. It returns the target greeting
// and state.
func (o *Orchestrator) handoff(ctx context.Context, sess *models.Session, source models.ConversationState, targetName string, w *writes) (string, models.ConversationState, error) {
	target, err := o.registry.Lookup(targetName)
	if err != nil {
		return "", models.ConversationState{}, err
	}
	state, found, err := o.states.Load(ctx, sess.ID, target.Name())
	if err != nil {
		return "", models.ConversationState{}, err
	}
	if !found {
		payload := flow.BuildHandoff(source, target)
		state = target.InitializeState(sess.ID, payload)
		w.stage(state)
		slog.Info("Orchestrator.handoff: product initialized", "sessionID", sess.ID, "from", source.Product, "to", target.Name(), "inherited", len(payload.InheritedFields))
	} else {
		slog.Info("Orchestrator.handoff: product resumed", "sessionID", sess.ID, "from", source.Product, "to", target.Name(), "state", state.CurrentState)
	}
	sess.CurrentProduct = target.Name()
	w.handoffs = append(w.handoffs, handoffEvent{from: source.Product, to: target.Name()})
	return greeting(target, state), state, nil
}

// switchProduct moves the session to target on a user request. The
// triggering message is a command, so it is not fed to the target.
func (o *Orchestrator) switchProduct(ctx context.Context, sess *models.Session, target flow.Product, w *writes) (models.ChatResponse, error) {
	source, found, err := o.states.Load(ctx, sess.ID, sess.CurrentProduct)
	if err != nil {
		return models.ChatResponse{}, err
	}
	if !found {
		source = models.NewConversationState(sess.ID, sess.CurrentProduct, "")
	}
	text, state, err := o.handoff(ctx, sess, source, target.Name(), w)
	if err != nil {
		return models.ChatResponse{}, err
	}
	return models.ChatResponse{ResponseText: text, ExtractedFields: state.Collected.Clone()}, nil
}

func greeting(p flow.Product, state models.ConversationState) string {
	if g, ok := p.(flow.Greeter); ok {
		return g.Greeting(state)
	}
	return fmt.Sprintf("Vamos para %s.", p.Title())
}

// replay returns the logged response of requestID. A non-empty sessionID
// must match the session the request was logged in; an empty one is a
// retry of a session's first message.
func (o *Orchestrator) replay(ctx context.Context, requestID, sessionID string) (models.ChatResponse, bool, error) {
	rec, err := o.store.GetMessage(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return models.ChatResponse{}, false, nil
	}
	if err != nil {
		slog.Error("Orchestrator.replay: lookup failed", "requestID", requestID, "error", err)
		return models.ChatResponse{}, false, fmt.Errorf("failed to look up request: %w", err)
	}
	if sessionID != "" && rec.SessionID != sessionID {
		slog.Warn("Orchestrator.replay: request id reused across sessions", "requestID", requestID, "sessionID", sessionID, "loggedSessionID", rec.SessionID)
		return models.ChatResponse{}, false, ErrRequestConflict
	}
	slog.Info("Orchestrator.replay: returning stored response", "requestID", requestID, "sessionID", rec.SessionID)
	return rec.Response, true, nil
}

// replayed answers a turn whose commit lost to an earlier log entry.
func (o *Orchestrator) replayed(ctx context.Context, requestID, sessionID string) (models.ChatResponse, error) {
	resp, ok, err := o.replay(ctx, requestID, sessionID)
	if err != nil {
		return models.ChatResponse{}, err
	}
	if !ok {
		return models.ChatResponse{}, fmt.Errorf("request %s neither committed nor logged: %w", requestID, store.ErrConflict)
	}
	return resp, nil
}

func (o *Orchestrator) apology(sess models.Session, requestID string, err error) models.ChatResponse {
	resp := models.ChatResponse{
		ResponseText:      ApologyMessage,
		SessionID:         sess.ID,
		RequestID:         requestID,
		ActiveProduct:     sess.CurrentProduct,
		AvailableProducts: o.registry.Names(),
		Metadata:          o.metadata(),
	}
	if o.opts.DevMode {
		resp.Error = err.Error()
	}
	return resp
}

func (o *Orchestrator) metadata() models.ChatMetadata {
	return models.ChatMetadata{AgentName: AgentName, AgentVersion: o.opts.AgentVersion}
}

// Finalize flushes cached state and marks the session concluded. It is
// idempotent.
func (o *Orchestrator) Finalize(ctx context.Context, sessionID string) (models.Session, error) {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	sess, err := o.session(ctx, sessionID)
	if err != nil {
		return models.Session{}, err
	}
	if sess.IsConcluded() {
		return sess, nil
	}
	if err := o.states.Flush(ctx, sessionID); err != nil {
		slog.Error("Orchestrator.Finalize: flush failed", "sessionID", sessionID, "error", err)
		return models.Session{}, fmt.Errorf("failed to flush session state: %w", err)
	}
	now := o.opts.Now()
	sess.Status = models.SessionStatusConcluded
	sess.ConcludedAt = &now
	sess.UpdatedAt = now
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		slog.Error("Orchestrator.Finalize: update failed", "sessionID", sessionID, "error", err)
		return models.Session{}, fmt.Errorf("failed to conclude session: %w", err)
	}
	slog.Info("Orchestrator.Finalize: session concluded", "sessionID", sessionID)
	return sess, nil
}

// Session returns a session and its product states.
func (o *Orchestrator) Session(ctx context.Context, sessionID string) (SessionView, error) {
	sess, err := o.session(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	states, err := o.states.List(ctx, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{Session: sess, States: states}, nil
}

// Messages returns the exchange log of a session, oldest first.
func (o *Orchestrator) Messages(ctx context.Context, sessionID string) ([]models.MessageRecord, error) {
	if _, err := o.session(ctx, sessionID); err != nil {
		return nil, err
	}
	msgs, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

func (o *Orchestrator) session(ctx context.Context, sessionID string) (models.Session, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

func joinParagraphs(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
