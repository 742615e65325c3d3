package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/mapagov/helena/internal/cache"
	"github.com/mapagov/helena/internal/models"
	"github.com/mapagov/helena/internal/store"
)

func TestStateManagerRoundTrip(t *testing.T) {
	sm := NewMockStateManager()
	ctx := context.Background()

	if _, found, err := sm.Load(ctx, "s1", ProductPOP); err != nil || found {
		t.Fatalf("expected no state, got found=%v err=%v", found, err)
	}

	st := models.NewConversationState("s1", ProductPOP, string(StateReady))
	st.Collected[FieldName] = "João"
	if err := sm.Save(ctx, &st); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if st.Version != 1 {
		t.Errorf("expected version 1, got %d", st.Version)
	}

	loaded, found, err := sm.Load(ctx, "s1", ProductPOP)
	if err != nil || !found {
		t.Fatalf("expected state, got found=%v err=%v", found, err)
	}
	if loaded.CurrentState != string(StateReady) {
		t.Errorf("unexpected state %s", loaded.CurrentState)
	}
	if name, _ := loaded.Collected.String(FieldName); name != "João" {
		t.Errorf("unexpected name %q", name)
	}

	stale := loaded
	stale.Version = 0
	if err := sm.Save(ctx, &stale); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict on stale save, got %v", err)
	}
}

func TestStateManagerCacheInvalidatedOnConflict(t *testing.T) {
	ctx := context.Background()
	db := store.NewInMemoryStore()
	lc, err := cache.NewLRUCache(16)
	if err != nil {
		t.Fatalf("NewLRUCache failed: %v", err)
	}
	sm := NewStoreBasedStateManager(db, lc)

	st := models.NewConversationState("s1", ProductSteps, string(StateStepDescription))
	if err := sm.Save(ctx, &st); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Another process wins the next write.
	winner, _ := db.GetState(ctx, "s1", ProductSteps)
	winner.CurrentState = string(StateStepsReview)
	if err := db.SaveState(ctx, &winner); err != nil {
		t.Fatalf("direct SaveState failed: %v", err)
	}

	cached, _, _ := sm.Load(ctx, "s1", ProductSteps)
	if cached.Version != 1 {
		t.Fatalf("expected the cached copy, got version %d", cached.Version)
	}

	cached.CurrentState = string(StateStepOperator)
	if err := sm.Save(ctx, &cached); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	fresh, found, err := sm.Load(ctx, "s1", ProductSteps)
	if err != nil || !found {
		t.Fatalf("Load failed: found=%v err=%v", found, err)
	}
	if fresh.Version != 2 || fresh.CurrentState != string(StateStepsReview) {
		t.Errorf("expected the winning write after invalidation, got %s v%d", fresh.CurrentState, fresh.Version)
	}
}

func TestStateManagerFlushWritesNewerCachedStates(t *testing.T) {
	ctx := context.Background()
	db := store.NewInMemoryStore()
	lc, _ := cache.NewLRUCache(16)
	sm := NewStoreBasedStateManager(db, lc)

	durable := models.NewConversationState("s1", ProductPOP, string(StateReady))
	if err := sm.Save(ctx, &durable); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	onlyCached := models.NewConversationState("s1", ProductRisk, string(StateRiskReview))
	onlyCached.Version = 3
	if err := lc.Set(ctx, onlyCached); err != nil {
		t.Fatalf("cache Set failed: %v", err)
	}

	if err := sm.Flush(ctx, "s1"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	got, err := db.GetState(ctx, "s1", ProductRisk)
	if err != nil {
		t.Fatalf("expected flushed state in store: %v", err)
	}
	if got.CurrentState != string(StateRiskReview) {
		t.Errorf("unexpected flushed state %s", got.CurrentState)
	}
	pop, _ := db.GetState(ctx, "s1", ProductPOP)
	if pop.Version != 1 {
		t.Errorf("up-to-date state must not be rewritten, got version %d", pop.Version)
	}

	states, _ := lc.SessionStates(ctx, "s1")
	if len(states) != 0 {
		t.Errorf("expected session evicted from cache, got %d states", len(states))
	}

	listed, err := sm.List(ctx, "s1")
	if err != nil || len(listed) != 2 {
		t.Errorf("expected 2 durable states, got %d %v", len(listed), err)
	}
}

func TestStateManagerCommitFillsCacheOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	db := store.NewInMemoryStore()
	lc, _ := cache.NewLRUCache(16)
	sm := NewStoreBasedStateManager(db, lc)

	sess, _, err := db.GetOrCreateSession(ctx, models.Session{ID: "s1", CurrentProduct: ProductPOP, Status: models.SessionStatusActive})
	if err != nil {
		t.Fatalf("GetOrCreateSession failed: %v", err)
	}
	st := models.NewConversationState("s1", ProductPOP, string(StateReady))
	msg := models.MessageRecord{RequestID: "r1", SessionID: "s1", Product: ProductPOP}

	added, err := sm.Commit(ctx, store.Turn{Session: sess, States: []*models.ConversationState{&st}, Message: msg})
	if err != nil || !added {
		t.Fatalf("expected commit, got added=%v err=%v", added, err)
	}
	if cached, ok, _ := lc.Get(ctx, "s1", ProductPOP); !ok || cached.Version != 1 {
		t.Errorf("expected committed state in cache, got ok=%v %+v", ok, cached)
	}

	st.CurrentState = string(StateAreaSelection)
	added, err = sm.Commit(ctx, store.Turn{Session: sess, States: []*models.ConversationState{&st}, Message: msg})
	if err != nil || added {
		t.Fatalf("expected duplicate to be skipped, got added=%v err=%v", added, err)
	}
	if cached, _, _ := lc.Get(ctx, "s1", ProductPOP); cached.CurrentState != string(StateReady) {
		t.Errorf("skipped commit must not reach the cache, got %s", cached.CurrentState)
	}
}
