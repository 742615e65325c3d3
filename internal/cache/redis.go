package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mapagov/helena/internal/models"
)

// Defaults for the Redis cache.
const (
	DefaultPrefix = "helena:"
	DefaultTTL    = 24 * time.Hour
)

// RedisClient is the subset of go-redis client methods used by RedisCache.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// RedisOpts configures a RedisCache.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisOpts)

// WithRedisAddr sets the server address.
func WithRedisAddr(addr string) RedisOption {
	return func(o *RedisOpts) { o.Addr = addr }
}

// WithRedisPassword sets the AUTH password.
func WithRedisPassword(pw string) RedisOption {
	return func(o *RedisOpts) { o.Password = pw }
}

// WithRedisDB selects the logical database.
func WithRedisDB(db int) RedisOption {
	return func(o *RedisOpts) { o.DB = db }
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(o *RedisOpts) { o.Prefix = prefix }
}

// WithTTL sets the expiry of every cached state.
func WithTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOpts) { o.TTL = ttl }
}

// RedisCache stores states as JSON strings. A per-session set indexes the
// products cached for that session.
type RedisCache struct {
	client RedisClient
	opts   RedisOpts
}

func buildRedisOpts(opts []RedisOption) RedisOpts {
	o := RedisOpts{Prefix: DefaultPrefix, TTL: DefaultTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	return o
}

// NewRedisCache connects to Redis and verifies the connection with PING.
func NewRedisCache(ctx context.Context, opts ...RedisOption) (*RedisCache, error) {
	o := buildRedisOpts(opts)
	if o.Addr == "" {
		return nil, fmt.Errorf("redis address not set")
	}
	client := redis.NewClient(&redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		slog.Error("RedisCache.NewRedisCache: ping failed", "addr", o.Addr, "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Info("RedisCache.NewRedisCache: connected", "addr", o.Addr, "db", o.DB, "prefix", o.Prefix)
	return &RedisCache{client: client, opts: o}, nil
}

// NewRedisCacheWithClient wraps a pre-built client.
func NewRedisCacheWithClient(client RedisClient, opts ...RedisOption) *RedisCache {
	return &RedisCache{client: client, opts: buildRedisOpts(opts)}
}

func (r *RedisCache) stateKey(sessionID, product string) string {
	return r.opts.Prefix + "state:" + models.StateCacheKey(sessionID, product)
}

func (r *RedisCache) indexKey(sessionID string) string {
	return r.opts.Prefix + "session:" + sessionID
}

func (r *RedisCache) Get(ctx context.Context, sessionID, product string) (models.ConversationState, bool, error) {
	raw, err := r.client.Get(ctx, r.stateKey(sessionID, product)).Result()
	if errors.Is(err, redis.Nil) {
		return models.ConversationState{}, false, nil
	}
	if err != nil {
		slog.Error("RedisCache.Get failed", "sessionID", sessionID, "product", product, "error", err)
		return models.ConversationState{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	var st models.ConversationState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		// A corrupt entry is treated as a miss; the store stays authoritative.
		slog.Warn("RedisCache.Get: dropping undecodable entry", "sessionID", sessionID, "product", product, "error", err)
		_ = r.client.Del(ctx, r.stateKey(sessionID, product)).Err()
		return models.ConversationState{}, false, nil
	}
	return st.Clone(), true, nil
}

func (r *RedisCache) Set(ctx context.Context, st models.ConversationState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := r.client.Set(ctx, r.stateKey(st.SessionID, st.Product), data, r.opts.TTL).Err(); err != nil {
		slog.Error("RedisCache.Set failed", "sessionID", st.SessionID, "product", st.Product, "error", err)
		return fmt.Errorf("redis set failed: %w", err)
	}
	idx := r.indexKey(st.SessionID)
	if err := r.client.SAdd(ctx, idx, st.Product).Err(); err != nil {
		return fmt.Errorf("redis index update failed: %w", err)
	}
	if err := r.client.Expire(ctx, idx, r.opts.TTL).Err(); err != nil {
		return fmt.Errorf("redis index expire failed: %w", err)
	}
	slog.Debug("RedisCache.Set succeeded", "sessionID", st.SessionID, "product", st.Product, "version", st.Version)
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, sessionID, product string) error {
	if err := r.client.Del(ctx, r.stateKey(sessionID, product)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	if err := r.client.SRem(ctx, r.indexKey(sessionID), product).Err(); err != nil {
		return fmt.Errorf("redis index update failed: %w", err)
	}
	return nil
}

func (r *RedisCache) SessionStates(ctx context.Context, sessionID string) ([]models.ConversationState, error) {
	products, err := r.client.SMembers(ctx, r.indexKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis index read failed: %w", err)
	}
	var out []models.ConversationState
	for _, p := range products {
		st, ok, err := r.Get(ctx, sessionID, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, st)
		}
	}
	return out, nil
}

func (r *RedisCache) EvictSession(ctx context.Context, sessionID string) error {
	products, err := r.client.SMembers(ctx, r.indexKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("redis index read failed: %w", err)
	}
	keys := []string{r.indexKey(sessionID)}
	for _, p := range products {
		keys = append(keys, r.stateKey(sessionID, p))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	slog.Debug("RedisCache.EvictSession: evicted", "sessionID", sessionID, "count", len(products))
	return nil
}

// Close releases the client connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
