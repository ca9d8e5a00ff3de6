package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/VidGrowLab/vidgrow/internal/httpserver"
	"github.com/VidGrowLab/vidgrow/internal/store/gormstore"
	"github.com/VidGrowLab/vidgrow/internal/store/pgstore"
	"github.com/VidGrowLab/vidgrow/internal/sweeper"
	"github.com/VidGrowLab/vidgrow/pkg/promo"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL        = "database-url"
	flagStoreEngine        = "store-engine"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagTokenSigningKey    = "token-signing-key"
	flagTokenIssuer        = "token-issuer"
	flagSweepInterval      = "sweep-interval"
	flagAllowRepeatRewards = "allow-repeat-rewards"

	configKeyDatabaseURL        = "database_url"
	configKeyStoreEngine        = "store_engine"
	configKeyListenAddr         = "listen_addr"
	configKeyAllowedOrigins     = "allowed_origins"
	configKeyTokenSigningKey    = "token_signing_key"
	configKeyTokenIssuer        = "token_issuer"
	configKeySweepInterval      = "sweep_interval"
	configKeyAllowRepeatRewards = "allow_repeat_rewards"

	defaultDatabaseURL   = "sqlite:///tmp/vidgrow.db"
	defaultListenAddr    = ":8080"
	defaultSweepInterval = time.Minute

	storeEngineGORM = "gorm"
	storeEnginePGX  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL        string
	StoreEngine        string
	ListenAddr         string
	AllowedOrigins     string
	TokenSigningKey    string
	TokenIssuer        string
	SweepInterval      time.Duration
	AllowRepeatRewards bool
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "vidgrowd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "vidgrowd",
		Short:         "Watch-to-earn promotion engine HTTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagStoreEngine, storeEngineGORM, "Persistence engine: gorm or pgx")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "Comma-separated CORS origins")
	cmd.Flags().String(flagTokenSigningKey, "", "HMAC key for bearer token verification")
	cmd.Flags().String(flagTokenIssuer, "", "Expected bearer token issuer")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "Hold expiry sweep interval")
	cmd.Flags().Bool(flagAllowRepeatRewards, false, "Allow a viewer to earn repeatedly on one promotion")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:        "DATABASE_URL",
		configKeyStoreEngine:        "STORE_ENGINE",
		configKeyListenAddr:         "HTTP_LISTEN_ADDR",
		configKeyAllowedOrigins:     "ALLOWED_ORIGINS",
		configKeyTokenSigningKey:    "TOKEN_SIGNING_KEY",
		configKeyTokenIssuer:        "TOKEN_ISSUER",
		configKeySweepInterval:      "SWEEP_INTERVAL",
		configKeyAllowRepeatRewards: "ALLOW_REPEAT_REWARDS",
	}
	for key, env := range envBindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:        flagDatabaseURL,
		configKeyStoreEngine:        flagStoreEngine,
		configKeyListenAddr:         flagListenAddr,
		configKeyAllowedOrigins:     flagAllowedOrigins,
		configKeyTokenSigningKey:    flagTokenSigningKey,
		configKeyTokenIssuer:        flagTokenIssuer,
		configKeySweepInterval:      flagSweepInterval,
		configKeyAllowRepeatRewards: flagAllowRepeatRewards,
	}
	for key, flag := range flagBindings {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreEngine = viper.GetString(configKeyStoreEngine)
	if cfg.StoreEngine == "" {
		cfg.StoreEngine = storeEngineGORM
	}
	if cfg.StoreEngine != storeEngineGORM && cfg.StoreEngine != storeEnginePGX {
		return fmt.Errorf("unsupported store engine %q", cfg.StoreEngine)
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.TokenSigningKey = viper.GetString(configKeyTokenSigningKey)
	cfg.TokenIssuer = viper.GetString(configKeyTokenIssuer)
	cfg.SweepInterval = viper.GetDuration(configKeySweepInterval)
	cfg.AllowRepeatRewards = viper.GetBool(configKeyAllowRepeatRewards)

	if cfg.TokenSigningKey == "" {
		return fmt.Errorf("token signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	clock := func() int64 { return time.Now().UTC().Unix() }
	policy := promo.DefaultPolicy()
	policy.AllowRepeatRewards = cfg.AllowRepeatRewards
	service, err := promo.NewService(store, clock,
		promo.WithPolicy(policy),
		promo.WithOperationLogger(&zapOperationLogger{logger: logger}),
	)
	if err != nil {
		return fmt.Errorf("service init: %w", err)
	}

	go sweeper.New(service, logger, cfg.SweepInterval).Run(ctx)

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  httpserver.ParseAllowedOrigins(cfg.AllowedOrigins),
		TokenSigningKey: cfg.TokenSigningKey,
		TokenIssuer:     cfg.TokenIssuer,
	}, service, logger)
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(ctx context.Context, entry promo.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("account_id", entry.AccountID),
		zap.String("promotion_id", entry.PromotionID),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("operation applied", fields...)
}

// openStore migrates the schema through GORM, then serves reads and writes
// either through the GORM store or, on Postgres, through the raw pgx store.
func openStore(ctx context.Context, cfg *runtimeConfig) (promo.Store, func(), error) {
	gormDB, closeDB, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := gormstore.New(gormDB).Migrate(); err != nil {
		_ = closeDB()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	if cfg.StoreEngine == storeEnginePGX {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			_ = closeDB()
			return nil, nil, fmt.Errorf("pgx engine requires a postgres url")
		}
		_ = closeDB()
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgx pool: %w", err)
		}
		return pgstore.New(pool), pool.Close, nil
	}

	return gormstore.New(gormDB), func() { _ = closeDB() }, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "vidgrow.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
