package database

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/blogman/internal/repository"
)

// Backend はDATABASE_URLのスキームから決まるストアの種類。
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendMongo    Backend = "mongodb"
	BackendMemory   Backend = "memory"
)

// BackendOf はDATABASE_URLのスキームからBackendを判定する。
func BackendOf(databaseURL string) (Backend, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse database url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "postgres", "postgresql":
		return BackendPostgres, nil
	case "mongodb", "mongodb+srv":
		return BackendMongo, nil
	case "memory":
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("unsupported database url scheme %q", u.Scheme)
	}
}

// StoreConfig はストア接続の設定。
type StoreConfig struct {
	DatabaseURL string
	// DatabaseName はMongoDBのデータベース名。
	DatabaseName string
	// ConnectTimeout は起動時の疎通確認とインデックス作成の上限時間。
	ConnectTimeout time.Duration
	// Migrate がtrueの場合、PostgreSQLでは接続前に未適用のマイグレーションを適用する。
	Migrate bool
}

// OpenStore はDATABASE_URLに応じたストアを開き、疎通を確認して返す。
// 呼び出し元は不要になったらStore.Closeを呼ぶこと。
func OpenStore(ctx context.Context, cfg StoreConfig) (*repository.Store, error) {
	backend, err := BackendOf(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	switch backend {
	case BackendPostgres:
		return openPostgresStore(ctx, cfg)
	case BackendMongo:
		return openMongoStore(ctx, cfg)
	default:
		slog.Warn("using in-memory store; data is lost on restart")
		return repository.NewMemoryStore(), nil
	}
}

func openPostgresStore(ctx context.Context, cfg StoreConfig) (*repository.Store, error) {
	if cfg.Migrate {
		if err := RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		slog.Info("database migrations applied")
	}

	db, err := Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	store := repository.NewPostgresStore(db)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := store.Pinger.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established", slog.String("backend", string(BackendPostgres)))
	return store, nil
}

func openMongoStore(ctx context.Context, cfg StoreConfig) (*repository.Store, error) {
	client, err := OpenMongo(cfg.DatabaseURL, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	dbName := cfg.DatabaseName
	if dbName == "" {
		dbName = "blog_db"
	}
	store := repository.NewMongoStore(client, dbName)

	initCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := store.Pinger.Ping(initCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := repository.EnsureMongoIndexes(initCtx, client.Database(dbName)); err != nil {
		store.Close()
		return nil, err
	}

	slog.Info("database connection established",
		slog.String("backend", string(BackendMongo)),
		slog.String("database", dbName),
	)
	return store, nil
}
