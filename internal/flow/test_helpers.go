package flow

import (
	"github.com/mapagov/helena/internal/codes"
	"github.com/mapagov/helena/internal/risk"
	"github.com/mapagov/helena/internal/store"
)

// NewMockStateManager creates a mock state manager for testing
func NewMockStateManager() StateManager {
	return NewStoreBasedStateManager(store.NewInMemoryStore(), nil)
}

// NewTestRegistry builds the default products over st for testing. llm may
// be nil.
func NewTestRegistry(st store.Store, llm Completer) (*Registry, error) {
	return NewDefaultRegistry(Deps{
		Codes: codes.NewGenerator(st),
		Risks: risk.NewService(st),
		LLM:   llm,
	})
}
