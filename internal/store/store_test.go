package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"testing"

	"github.com/mapagov/helena/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "helena.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every store the suite runs against. Postgres joins only
// when DATABASE_URL is set.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
	if dsn, ok := syscall.Getenv("DATABASE_URL"); ok && dsn != "" {
		pg, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			t.Logf("Postgres not available: %v", err)
		} else {
			for _, table := range []string{"sessions", "conversation_states", "messages", "sequence_counters", "inferred_risks"} {
				pg.db.Exec("DELETE FROM " + table)
			}
			t.Cleanup(func() { pg.Close() })
			out["postgres"] = pg
		}
	}
	return out
}

func TestGetOrCreateSession(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := models.Session{ID: "s-1", UserID: "u-1", CurrentProduct: "pop", Status: models.SessionStatusActive}
			got, created, err := s.GetOrCreateSession(ctx, sess)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !created || got.CurrentProduct != "pop" {
				t.Fatalf("expected a created pop session, got created=%v %+v", created, got)
			}

			sess.CurrentProduct = "riscos"
			got, created, err = s.GetOrCreateSession(ctx, sess)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if created {
				t.Error("second call must not create")
			}
			if got.CurrentProduct != "pop" {
				t.Errorf("existing record must win, got product %q", got.CurrentProduct)
			}

			if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestGetOrCreateSessionConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const n = 10
			var wg sync.WaitGroup
			var mu sync.Mutex
			creates := 0
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, created, err := s.GetOrCreateSession(ctx, models.Session{
						ID: "race", UserID: fmt.Sprintf("u-%d", i), CurrentProduct: "pop", Status: models.SessionStatusActive,
					})
					if err != nil {
						t.Errorf("unexpected error: %v", err)
						return
					}
					if created {
						mu.Lock()
						creates++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			if creates != 1 {
				t.Errorf("expected exactly one create, got %d", creates)
			}
		})
	}
}

func TestSaveStateOptimisticVersioning(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := models.NewConversationState("s-1", "pop", "NAME_INPUT")
			st.Collected["systems"] = []string{"SEI"}
			if err := s.SaveState(ctx, &st); err != nil {
				t.Fatalf("first save failed: %v", err)
			}
			if st.Version != 1 {
				t.Fatalf("expected version 1, got %d", st.Version)
			}

			stale := st.Clone()
			st.CurrentState = "NAME_CONFIRM"
			if err := s.SaveState(ctx, &st); err != nil {
				t.Fatalf("second save failed: %v", err)
			}

			stale.CurrentState = "READY"
			if err := s.SaveState(ctx, &stale); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict for stale write, got %v", err)
			}

			fresh := models.NewConversationState("s-1", "pop", "NAME_INPUT")
			if err := s.SaveState(ctx, &fresh); !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict for duplicate insert, got %v", err)
			}

			got, err := s.GetState(ctx, "s-1", "pop")
			if err != nil {
				t.Fatalf("GetState failed: %v", err)
			}
			if got.CurrentState != "NAME_CONFIRM" || got.Version != 2 {
				t.Errorf("expected NAME_CONFIRM v2, got %s v%d", got.CurrentState, got.Version)
			}
			systems, ok := got.Collected.Strings("systems")
			if !ok || len(systems) != 1 || systems[0] != "SEI" {
				t.Errorf("collected fields did not round trip: %v", got.Collected)
			}

			if _, err := s.GetState(ctx, "s-1", "riscos"); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestMessagesAreUniquePerRequestID(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := models.MessageRecord{
				RequestID:    "r-1",
				SessionID:    "s-1",
				Product:      "pop",
				UserMessage:  "oi",
				ResponseText: "Olá!",
				Response:     models.ChatResponse{ResponseText: "Olá!", SessionID: "s-1", ActiveProduct: "pop"},
			}
			inserted, err := s.AddMessage(ctx, m)
			if err != nil || !inserted {
				t.Fatalf("expected insert, got inserted=%v err=%v", inserted, err)
			}
			inserted, err = s.AddMessage(ctx, m)
			if err != nil || inserted {
				t.Fatalf("expected duplicate to be ignored, got inserted=%v err=%v", inserted, err)
			}

			got, err := s.GetMessage(ctx, "r-1")
			if err != nil {
				t.Fatalf("GetMessage failed: %v", err)
			}
			if got.Response.ActiveProduct != "pop" {
				t.Errorf("stored response lost, got %+v", got.Response)
			}

			list, err := s.ListMessages(ctx, "s-1")
			if err != nil {
				t.Fatalf("ListMessages failed: %v", err)
			}
			if len(list) != 1 {
				t.Errorf("expected 1 message, got %d", len(list))
			}
		})
	}
}

func TestCommitTurnIsAtomic(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess, _, err := s.GetOrCreateSession(ctx, models.Session{ID: "s-turn", UserID: "u-1", CurrentProduct: "pop", Status: models.SessionStatusActive})
			if err != nil {
				t.Fatalf("GetOrCreateSession failed: %v", err)
			}
			pop := models.NewConversationState("s-turn", "pop", "REVIEW")
			if err := s.SaveState(ctx, &pop); err != nil {
				t.Fatalf("SaveState failed: %v", err)
			}

			stale := pop.Clone()
			stale.Version = 0
			etapas := models.NewConversationState("s-turn", "etapas", "STEP_DESCRIPTION")
			sess.CurrentProduct = "etapas"
			msg := models.MessageRecord{RequestID: "r-turn", SessionID: "s-turn", Product: "pop", UserMessage: "sim", ResponseText: "ok"}

			_, err = s.CommitTurn(ctx, Turn{Session: sess, States: []*models.ConversationState{&etapas, &stale}, Message: msg})
			if !errors.Is(err, ErrConflict) {
				t.Fatalf("expected ErrConflict for a stale state, got %v", err)
			}
			if _, err := s.GetMessage(ctx, "r-turn"); !errors.Is(err, ErrNotFound) {
				t.Errorf("a failed commit must not log the message, got %v", err)
			}
			if _, err := s.GetState(ctx, "s-turn", "etapas"); !errors.Is(err, ErrNotFound) {
				t.Errorf("a failed commit must not create states, got %v", err)
			}
			if etapas.Version != 0 {
				t.Errorf("a failed commit must not bump caller versions, got %d", etapas.Version)
			}

			pop.CurrentState = "DONE"
			added, err := s.CommitTurn(ctx, Turn{Session: sess, States: []*models.ConversationState{&pop, &etapas}, Message: msg})
			if err != nil || !added {
				t.Fatalf("expected commit, got added=%v err=%v", added, err)
			}
			if pop.Version != 2 || etapas.Version != 1 {
				t.Errorf("expected versions 2 and 1, got %d and %d", pop.Version, etapas.Version)
			}
			got, err := s.GetSession(ctx, "s-turn")
			if err != nil || got.CurrentProduct != "etapas" {
				t.Errorf("expected session in etapas, got %+v %v", got, err)
			}

			pop.CurrentState = "REVIEW"
			added, err = s.CommitTurn(ctx, Turn{Session: sess, States: []*models.ConversationState{&pop}, Message: msg})
			if err != nil || added {
				t.Fatalf("expected duplicate request to be skipped, got added=%v err=%v", added, err)
			}
			stored, err := s.GetState(ctx, "s-turn", "pop")
			if err != nil || stored.CurrentState != "DONE" || stored.Version != 2 {
				t.Errorf("duplicate commit must not write, got %+v %v", stored, err)
			}
		})
	}
}

func TestNextSequenceConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const n = 20
			var wg sync.WaitGroup
			results := make(chan int, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					v, err := s.NextSequence(ctx, "cap:01.01.01.01")
					if err != nil {
						t.Errorf("NextSequence failed: %v", err)
						return
					}
					results <- v
				}()
			}
			wg.Wait()
			close(results)

			seen := map[int]bool{}
			for v := range results {
				if seen[v] {
					t.Errorf("duplicate sequence value %d", v)
				}
				seen[v] = true
			}
			for i := 1; i <= n; i++ {
				if !seen[i] {
					t.Errorf("missing sequence value %d", i)
				}
			}

			v, err := s.NextSequence(ctx, "cap:02.01.01.01")
			if err != nil || v != 1 {
				t.Errorf("expected independent key to start at 1, got %d (%v)", v, err)
			}
		})
	}
}

func TestRisksAreUniquePerAnalysisAndRule(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			r := models.StoredRisk{AnalysisID: "a-1", Risk: models.InferredRisk{
				RuleID: "R08", Title: "Ausência de cópia de segurança", Category: models.RiskCategoryTechnological,
				SourceBlock: "tecnologia", Confidence: models.ConfidenceHigh, Justification: "x",
				Triggers: []string{"tecnologia.backup=NAO"},
			}}
			ok, err := s.AddRisk(ctx, r)
			if err != nil || !ok {
				t.Fatalf("expected insert, got ok=%v err=%v", ok, err)
			}
			ok, err = s.AddRisk(ctx, r)
			if err != nil || ok {
				t.Fatalf("expected duplicate to be skipped, got ok=%v err=%v", ok, err)
			}
			list, err := s.ListRisks(ctx, "a-1")
			if err != nil {
				t.Fatalf("ListRisks failed: %v", err)
			}
			if len(list) != 1 || len(list[0].Risk.Triggers) != 1 {
				t.Errorf("unexpected stored risks: %+v", list)
			}
		})
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/helena":   "postgres",
		"postgresql://localhost/helena":     "postgres",
		"host=localhost dbname=helena":      "postgres",
		"/var/lib/helena/helena.db":         "sqlite",
		"file:helena.db?_busy_timeout=5000": "sqlite",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestOpenWithoutDSNUsesMemory(t *testing.T) {
	s, err := Open()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected *InMemoryStore, got %T", s)
	}
}
