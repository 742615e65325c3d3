// Package cache keeps hot conversation states in front of the durable
// store. RedisCache shares them across processes; LRUCache keeps them in
// process memory.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mapagov/helena/internal/models"
)

// DefaultLRUSize bounds the in-process cache when no size is configured.
const DefaultLRUSize = 1024

// StateCache stores conversation states by (session, product).
type StateCache interface {
	// Get returns the cached state and whether it was present.
	Get(ctx context.Context, sessionID, product string) (models.ConversationState, bool, error)
	Set(ctx context.Context, st models.ConversationState) error
	Delete(ctx context.Context, sessionID, product string) error
	// SessionStates returns every cached state of the session.
	SessionStates(ctx context.Context, sessionID string) ([]models.ConversationState, error)
	// EvictSession drops every cached state of the session.
	EvictSession(ctx context.Context, sessionID string) error
}

// Ensure both caches implement StateCache.
var (
	_ StateCache = (*LRUCache)(nil)
	_ StateCache = (*RedisCache)(nil)
)

// LRUCache is a bounded in-process StateCache.
type LRUCache struct {
	lru *lru.Cache[string, models.ConversationState]
}

// NewLRUCache creates an LRU cache holding at most size states.
func NewLRUCache(size int) (*LRUCache, error) {
	if size <= 0 {
		size = DefaultLRUSize
	}
	c, err := lru.New[string, models.ConversationState](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	slog.Debug("LRUCache.NewLRUCache: created", "size", size)
	return &LRUCache{lru: c}, nil
}

func (c *LRUCache) Get(ctx context.Context, sessionID, product string) (models.ConversationState, bool, error) {
	st, ok := c.lru.Get(models.StateCacheKey(sessionID, product))
	if !ok {
		return models.ConversationState{}, false, nil
	}
	return st.Clone(), true, nil
}

func (c *LRUCache) Set(ctx context.Context, st models.ConversationState) error {
	c.lru.Add(st.CacheKey(), st.Clone())
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, sessionID, product string) error {
	c.lru.Remove(models.StateCacheKey(sessionID, product))
	return nil
}

func (c *LRUCache) SessionStates(ctx context.Context, sessionID string) ([]models.ConversationState, error) {
	var out []models.ConversationState
	for _, key := range c.sessionKeys(sessionID) {
		if st, ok := c.lru.Peek(key); ok {
			out = append(out, st.Clone())
		}
	}
	return out, nil
}

func (c *LRUCache) EvictSession(ctx context.Context, sessionID string) error {
	keys := c.sessionKeys(sessionID)
	for _, key := range keys {
		c.lru.Remove(key)
	}
	slog.Debug("LRUCache.EvictSession: evicted", "sessionID", sessionID, "count", len(keys))
	return nil
}

func (c *LRUCache) sessionKeys(sessionID string) []string {
	prefix := models.StateCacheKey(sessionID, "")
	var out []string
	for _, key := range c.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out
}
