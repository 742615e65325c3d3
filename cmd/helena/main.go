package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mapagov/helena/internal/api"
	"github.com/mapagov/helena/internal/cache"
	"github.com/mapagov/helena/internal/codes"
	"github.com/mapagov/helena/internal/flow"
	"github.com/mapagov/helena/internal/genai"
	"github.com/mapagov/helena/internal/lockfile"
	"github.com/mapagov/helena/internal/metrics"
	"github.com/mapagov/helena/internal/orchestrator"
	"github.com/mapagov/helena/internal/risk"
	"github.com/mapagov/helena/internal/store"
	"github.com/mapagov/helena/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Helena state data
	DefaultStateDir = "/var/lib/helena"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "helena.db"
	// MemoryDSN selects the in-memory store
	MemoryDSN = "memory"
	// EnvDevelopment enables diagnostic detail in responses
	EnvDevelopment = "development"
	// EnvProduction hides internal detail
	EnvProduction = "production"
)

func main() {
	// Logger first so config loading is visible
	initializeLogger(os.Getenv("HELENA_LOG_LEVEL"))

	config := loadEnvironmentConfig()

	flags, err := parseFlags(os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	initializeLogger(flags.logLevel)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping Helena", "env", flags.env, "api_addr", flags.apiAddr, "default_product", flags.defaultProduct)
	if err := run(ctx, flags); err != nil {
		slog.Error("Helena failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Helena exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseDSN    string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	CacheSize      int
	OpenAIKey      string
	OpenAIModel    string
	LLMTimeout     time.Duration
	APIAddr        string
	Env            string
	DefaultProduct string
	LogLevel       string
}

// Flags holds resolved command line values
type Flags struct {
	stateDir       string
	dbDSN          string
	redisAddr      string
	redisPassword  string
	redisDB        int
	cacheSize      int
	openaiKey      string
	openaiModel    string
	llmTimeout     time.Duration
	apiAddr        string
	env            string
	defaultProduct string
	logLevel       string
}

// parseLogLevel maps debug/info/warn/error to slog levels, defaulting to info.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       util.GetEnv("HELENA_STATE_DIR", DefaultStateDir),
		DatabaseDSN:    util.FirstEnv("HELENA_DB_DSN", "DATABASE_URL"),
		RedisAddr:      util.GetEnv("REDIS_ADDR", ""),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        util.ParseIntEnv("REDIS_DB", 0),
		CacheSize:      util.ParseIntEnv("HELENA_CACHE_SIZE", cache.DefaultLRUSize),
		OpenAIKey:      util.GetEnv("OPENAI_API_KEY", ""),
		OpenAIModel:    util.GetEnv("OPENAI_MODEL", genai.DefaultModel),
		LLMTimeout:     util.ParseDurationEnv("HELENA_LLM_TIMEOUT", flow.DefaultAssistantTimeout),
		APIAddr:        util.GetEnv("API_ADDR", api.DefaultAddr),
		Env:            strings.ToLower(util.GetEnv("HELENA_ENV", EnvProduction)),
		DefaultProduct: util.GetEnv("HELENA_DEFAULT_PRODUCT", flow.ProductPOP),
		LogLevel:       util.GetEnv("HELENA_LOG_LEVEL", "info"),
	}

	// If no database DSN is provided, default to SQLite in the state directory
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	slog.Debug("environment variables loaded",
		"HELENA_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"REDIS_ADDR", config.RedisAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"HELENA_ENV", config.Env,
		"HELENA_DEFAULT_PRODUCT", config.DefaultProduct)

	return config
}

// parseFlags parses command line arguments with environment defaults
func parseFlags(args []string, config Config) (Flags, error) {
	fs := flag.NewFlagSet("helena", flag.ContinueOnError)
	stateDir := fs.String("state-dir", config.StateDir, "state directory for Helena data (overrides $HELENA_STATE_DIR)")
	dbDSN := fs.String("db-dsn", config.DatabaseDSN, `database DSN: postgres URL, SQLite path or "memory" (overrides $HELENA_DB_DSN or $DATABASE_URL)`)
	redisAddr := fs.String("redis-addr", config.RedisAddr, "Redis address for the state cache (overrides $REDIS_ADDR)")
	redisPassword := fs.String("redis-password", config.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)")
	redisDB := fs.Int("redis-db", config.RedisDB, "Redis database number (overrides $REDIS_DB)")
	cacheSize := fs.Int("cache-size", config.CacheSize, "in-process state cache size when Redis is not set (overrides $HELENA_CACHE_SIZE)")
	openaiKey := fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	openaiModel := fs.String("openai-model", config.OpenAIModel, "OpenAI model (overrides $OPENAI_MODEL)")
	llmTimeout := fs.Duration("llm-timeout", config.LLMTimeout, "timeout of one assistant answer (overrides $HELENA_LLM_TIMEOUT)")
	apiAddr := fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	env := fs.String("env", config.Env, "development or production (overrides $HELENA_ENV)")
	defaultProduct := fs.String("default-product", config.DefaultProduct, "product new sessions start in (overrides $HELENA_DEFAULT_PRODUCT)")
	logLevel := fs.String("log-level", config.LogLevel, "debug, info, warn or error (overrides $HELENA_LOG_LEVEL)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	flags := Flags{
		stateDir:       *stateDir,
		dbDSN:          *dbDSN,
		redisAddr:      *redisAddr,
		redisPassword:  *redisPassword,
		redisDB:        *redisDB,
		cacheSize:      *cacheSize,
		openaiKey:      *openaiKey,
		openaiModel:    *openaiModel,
		llmTimeout:     *llmTimeout,
		apiAddr:        *apiAddr,
		env:            strings.ToLower(*env),
		defaultProduct: *defaultProduct,
		logLevel:       *logLevel,
	}
	if flags.env != EnvDevelopment && flags.env != EnvProduction {
		return Flags{}, fmt.Errorf("invalid env %q: want %s or %s", flags.env, EnvDevelopment, EnvProduction)
	}

	// Follow a moved state directory when the DSN is the derived default
	if flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && flags.stateDir != config.StateDir {
		flags.dbDSN = filepath.Join(flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", flags.stateDir,
		"dbDSN_set", flags.dbDSN != "",
		"redisAddr", flags.redisAddr,
		"cacheSize", flags.cacheSize,
		"openaiKeySet", flags.openaiKey != "",
		"apiAddr", flags.apiAddr,
		"env", flags.env)
	return flags, nil
}

// sqliteDir returns the directory holding a file-based database, or "" for
// memory and Postgres DSNs.
func sqliteDir(dsn string) string {
	if dsn == "" || dsn == MemoryDSN || store.DetectDSNType(dsn) == "postgres" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return filepath.Dir(path)
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	stateDir := sqliteDir(flags.dbDSN)
	if stateDir == "" {
		return nil
	}
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	switch {
	case flags.dbDSN == "" || flags.dbDSN == MemoryDSN:
		slog.Debug("Using in-memory store")
	case store.DetectDSNType(flags.dbDSN) == "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(flags.dbDSN))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(flags.dbDSN))
	}
	return storeOpts
}

// buildCache selects Redis when an address is set and the LRU otherwise.
// The returned close func is never nil.
func buildCache(ctx context.Context, flags Flags) (cache.StateCache, func(), error) {
	if flags.redisAddr != "" {
		rc, err := cache.NewRedisCache(ctx,
			cache.WithRedisAddr(flags.redisAddr),
			cache.WithRedisPassword(flags.redisPassword),
			cache.WithRedisDB(flags.redisDB),
		)
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("Using Redis state cache", "addr", flags.redisAddr, "db", flags.redisDB)
		return rc, func() {
			if err := rc.Close(); err != nil {
				slog.Warn("Failed to close redis cache", "error", err)
			}
		}, nil
	}
	lc, err := cache.NewLRUCache(flags.cacheSize)
	if err != nil {
		return nil, func() {}, err
	}
	slog.Info("Using in-process state cache", "size", flags.cacheSize)
	return lc, func() {}, nil
}

// buildLLM returns the assistant backend, or nil when no key is set.
func buildLLM(flags Flags) flow.Completer {
	if flags.openaiKey == "" {
		slog.Info("No OpenAI API key set, assistant answers with its static menu")
		return nil
	}
	client, err := genai.NewClient(
		genai.WithAPIKey(flags.openaiKey),
		genai.WithModel(flags.openaiModel),
		genai.WithTimeout(flags.llmTimeout),
	)
	if err != nil {
		slog.Warn("Failed to create GenAI client, assistant answers with its static menu", "error", err)
		return nil
	}
	return client
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	// SQLite has a single writer; Postgres deployments may run many instances.
	if dir := sqliteDir(flags.dbDSN); dir != "" {
		lock, err := lockfile.Acquire(dir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("Failed to close store", "error", err)
		}
	}()

	stateCache, closeCache, err := buildCache(ctx, flags)
	if err != nil {
		return err
	}
	defer closeCache()

	collector := metrics.NewCollector(metrics.DefaultNamespace)
	registry, err := flow.NewDefaultRegistry(flow.Deps{
		Codes:      codes.NewGenerator(st, codes.WithMetrics(collector)),
		Risks:      risk.NewService(st),
		Metrics:    collector,
		LLM:        buildLLM(flags),
		LLMTimeout: flags.llmTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to build products: %w", err)
	}

	devMode := flags.env == EnvDevelopment
	orch, err := orchestrator.New(st, registry, flow.NewStoreBasedStateManager(st, stateCache),
		orchestrator.WithDefaultProduct(flags.defaultProduct),
		orchestrator.WithMetrics(collector),
		orchestrator.WithDevMode(devMode),
	)
	if err != nil {
		return fmt.Errorf("failed to build orchestrator: %w", err)
	}

	server := api.NewServer(orch,
		api.WithAddr(flags.apiAddr),
		api.WithDevMode(devMode),
		api.WithMetrics(collector),
	)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
