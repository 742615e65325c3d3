package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mapagov/helena/internal/cache"
	"github.com/mapagov/helena/internal/models"
	"github.com/mapagov/helena/internal/store"
)

// StateManager loads and persists per-session product state.
type StateManager interface {
	// Load returns the state of product in sessionID. found is false when
	// the product never ran in that session.
	Load(ctx context.Context, sessionID, product string) (state models.ConversationState, found bool, err error)
	// Save persists st and bumps st.Version. A stale version returns
	// store.ErrConflict.
	Save(ctx context.Context, st *models.ConversationState) error
	// Commit persists the states of one turn together with its session
	// and message record. It reports false, writing nothing, when the
	// request id was already logged.
	Commit(ctx context.Context, t store.Turn) (bool, error)
	// List returns every product state of a session.
	List(ctx context.Context, sessionID string) ([]models.ConversationState, error)
	// Flush reconciles cached state into the durable store and evicts the
	// session from the cache.
	Flush(ctx context.Context, sessionID string) error
}

// StateStore is the slice of store.Store the state manager needs.
type StateStore interface {
	store.StateRepo
	store.TurnRepo
}

// StoreBasedStateManager implements StateManager over a StateStore with an
// optional read-through cache. The store is authoritative; cache failures
// are logged and tolerated.
type StoreBasedStateManager struct {
	store StateStore
	cache cache.StateCache
}

// NewStoreBasedStateManager creates a StateManager. c may be nil.
func NewStoreBasedStateManager(st StateStore, c cache.StateCache) *StoreBasedStateManager {
	slog.Debug("Creating StoreBasedStateManager", "cached", c != nil)
	return &StoreBasedStateManager{store: st, cache: c}
}

// Load reads from the cache first and falls back to the store.
func (sm *StoreBasedStateManager) Load(ctx context.Context, sessionID, product string) (models.ConversationState, bool, error) {
	slog.Debug("StateManager Load", "sessionID", sessionID, "product", product)

	if sm.cache != nil {
		st, ok, err := sm.cache.Get(ctx, sessionID, product)
		if err != nil {
			slog.Warn("StateManager Load cache error", "error", err, "sessionID", sessionID, "product", product)
		} else if ok {
			slog.Debug("StateManager Load cache hit", "sessionID", sessionID, "product", product, "version", st.Version)
			return st, true, nil
		}
	}

	st, err := sm.store.GetState(ctx, sessionID, product)
	if errors.Is(err, store.ErrNotFound) {
		slog.Debug("StateManager Load not found", "sessionID", sessionID, "product", product)
		return models.ConversationState{}, false, nil
	}
	if err != nil {
		slog.Error("StateManager Load error", "error", err, "sessionID", sessionID, "product", product)
		return models.ConversationState{}, false, fmt.Errorf("failed to load state: %w", err)
	}

	sm.fill(ctx, st)
	slog.Debug("StateManager Load found", "sessionID", sessionID, "product", product, "state", st.CurrentState, "version", st.Version)
	return st, true, nil
}

// Save writes the store first and then refreshes the cache. On a version
// conflict the cached copy is dropped so the next Load sees the winner.
func (sm *StoreBasedStateManager) Save(ctx context.Context, st *models.ConversationState) error {
	slog.Debug("StateManager Save", "sessionID", st.SessionID, "product", st.Product, "state", st.CurrentState, "version", st.Version)

	if err := sm.store.SaveState(ctx, st); err != nil {
		if errors.Is(err, store.ErrConflict) && sm.cache != nil {
			if derr := sm.cache.Delete(ctx, st.SessionID, st.Product); derr != nil {
				slog.Warn("StateManager Save cache invalidate error", "error", derr, "sessionID", st.SessionID, "product", st.Product)
			}
		}
		slog.Error("StateManager Save error", "error", err, "sessionID", st.SessionID, "product", st.Product)
		return err
	}

	sm.fill(ctx, *st)
	slog.Debug("StateManager Save succeeded", "sessionID", st.SessionID, "product", st.Product, "version", st.Version)
	return nil
}

// Commit writes the turn through the store and refreshes the cache only
// after the transaction succeeded.
func (sm *StoreBasedStateManager) Commit(ctx context.Context, t store.Turn) (bool, error) {
	slog.Debug("StateManager Commit", "sessionID", t.Session.ID, "requestID", t.Message.RequestID, "states", len(t.States))

	added, err := sm.store.CommitTurn(ctx, t)
	if err != nil {
		if errors.Is(err, store.ErrConflict) && sm.cache != nil {
			for _, st := range t.States {
				if derr := sm.cache.Delete(ctx, st.SessionID, st.Product); derr != nil {
					slog.Warn("StateManager Commit cache invalidate error", "error", derr, "sessionID", st.SessionID, "product", st.Product)
				}
			}
		}
		slog.Error("StateManager Commit error", "error", err, "sessionID", t.Session.ID, "requestID", t.Message.RequestID)
		return false, err
	}
	if !added {
		slog.Debug("StateManager Commit skipped duplicate request", "sessionID", t.Session.ID, "requestID", t.Message.RequestID)
		return false, nil
	}
	for _, st := range t.States {
		sm.fill(ctx, *st)
	}
	return true, nil
}

// List returns the durable product states of a session.
func (sm *StoreBasedStateManager) List(ctx context.Context, sessionID string) ([]models.ConversationState, error) {
	states, err := sm.store.ListStates(ctx, sessionID)
	if err != nil {
		slog.Error("StateManager List error", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	return states, nil
}

// Flush writes every cached state that is newer than its durable copy, or
// missing from the store, and then evicts the session.
func (sm *StoreBasedStateManager) Flush(ctx context.Context, sessionID string) error {
	slog.Debug("StateManager Flush", "sessionID", sessionID)
	if sm.cache == nil {
		return nil
	}

	cached, err := sm.cache.SessionStates(ctx, sessionID)
	if err != nil {
		slog.Warn("StateManager Flush cache read error", "error", err, "sessionID", sessionID)
		return nil
	}

	written := 0
	for _, st := range cached {
		durable, err := sm.store.GetState(ctx, sessionID, st.Product)
		var base int64
		switch {
		case errors.Is(err, store.ErrNotFound):
			base = 0
		case err != nil:
			slog.Error("StateManager Flush store read error", "error", err, "sessionID", sessionID, "product", st.Product)
			return fmt.Errorf("failed to read durable state: %w", err)
		case st.Version <= durable.Version:
			continue
		default:
			base = durable.Version
		}
		pending := st.Clone()
		pending.Version = base
		if err := sm.store.SaveState(ctx, &pending); err != nil {
			slog.Error("StateManager Flush write error", "error", err, "sessionID", sessionID, "product", st.Product)
			return fmt.Errorf("failed to flush state %s: %w", st.Product, err)
		}
		written++
	}

	if err := sm.cache.EvictSession(ctx, sessionID); err != nil {
		slog.Warn("StateManager Flush evict error", "error", err, "sessionID", sessionID)
	}
	slog.Info("StateManager Flush succeeded", "sessionID", sessionID, "cached", len(cached), "written", written)
	return nil
}

func (sm *StoreBasedStateManager) fill(ctx context.Context, st models.ConversationState) {
	if sm.cache == nil {
		return
	}
	if err := sm.cache.Set(ctx, st); err != nil {
		slog.Warn("StateManager cache fill error", "error", err, "sessionID", st.SessionID, "product", st.Product)
	}
}
