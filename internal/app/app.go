package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/blogman/internal/auth"
	"github.com/hitoshi/blogman/internal/config"
	"github.com/hitoshi/blogman/internal/database"
	"github.com/hitoshi/blogman/internal/handler"
	"github.com/hitoshi/blogman/internal/logger"
	"github.com/hitoshi/blogman/internal/media"
	"github.com/hitoshi/blogman/internal/metrics"
	"github.com/hitoshi/blogman/internal/middleware"
	"github.com/hitoshi/blogman/internal/post"
	"github.com/hitoshi/blogman/internal/repository"
	"github.com/hitoshi/blogman/internal/security"
	"github.com/hitoshi/blogman/internal/user"
	"github.com/hitoshi/blogman/internal/validation"
	"github.com/hitoshi/blogman/internal/webhook"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでロガーを作り直す
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.Port),
		slog.String("env", cfg.AppEnv),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// server はHTTPサーバーの構成要素と、終了時に解放するリソースをまとめたもの。
type server struct {
	handler http.Handler
	closers []func() error
}

// Close は構築時に確保したリソースを逆順に解放する。
func (s *server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildServer は設定とストアから全依存関係をワイヤリングし、ルーターを構築する。
func buildServer(cfg *config.Config, store *repository.Store) (*server, error) {
	srv := &server{}

	// 1. メトリクス
	var collector metrics.MetricsCollector = metrics.Nop{}
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(reg)
		metricsHandler = metrics.Handler(reg)
	}

	// 2. ドメインサービス
	validate := validation.New()
	postService := post.NewService(store.Posts, security.NewPostSanitizer(), validate, post.ServiceConfig{
		DefaultLimit: cfg.ListDefaultLimit,
		MaxLimit:     cfg.ListMaxLimit,
	})
	userService := user.NewService(store.Users, postService, validate, user.ServiceConfig{
		UnpublishOnDeactivate: cfg.DeactivationPolicy == config.DeactivationUnpublish,
		DefaultLimit:          cfg.ListDefaultLimit,
		MaxLimit:              cfg.ListMaxLimit,
	})

	// 3. 認証（Clerk + Identityキャッシュ）
	clerk, err := auth.NewClerkVerifier(auth.ClerkConfig{
		SecretKey:         cfg.ClerkSecretKey,
		JWTKeyPEM:         cfg.ClerkJWTKey,
		AuthorizedParties: cfg.ClerkAuthorizedParties,
		APIURL:            cfg.ClerkAPIURL,
		HTTPClient:        &http.Client{Timeout: cfg.ProviderTimeout},
	})
	if err != nil {
		return nil, err
	}

	var cache auth.IdentityCache
	if cfg.RedisURL != "" {
		redisCache, err := auth.NewRedisCache(cfg.RedisURL, cfg.IdentityCacheTTL)
		if err != nil {
			return nil, err
		}
		srv.closers = append(srv.closers, redisCache.Close)
		cache = redisCache
		slog.Info("identity cache backend", slog.String("backend", "redis"))
	} else {
		cache = auth.NewMemoryCache(cfg.IdentityCacheTTL)
	}
	if auth.DevAuthEnabled {
		slog.Warn("development tokens are enabled; do not use this build in production")
	}

	resolver := auth.NewResolver(clerk, userService, cache, collector, auth.ResolverConfig{
		ProviderTimeout: cfg.ProviderTimeout,
		ProviderName:    "clerk",
	})

	// 4. IdP Webhook（シークレット未設定時は503）
	var webhookVerifier handler.WebhookVerifier
	if cfg.ClerkWebhookSecret != "" {
		v, err := webhook.NewVerifier(cfg.ClerkWebhookSecret)
		if err != nil {
			return nil, err
		}
		webhookVerifier = v
	} else {
		slog.Warn("CLERK_WEBHOOK_SECRET is not set; webhook endpoint will respond 503")
	}

	// 5. 画像（Cloudinary未設定時は503）
	var imageService handler.ImageServiceInterface
	if cfg.MediaConfigured() {
		provider, err := media.NewCloudinaryProvider(media.CloudinaryConfig{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Timeout:   cfg.MediaTimeout,
		})
		if err != nil {
			return nil, err
		}
		imageService = media.NewService(provider, security.NewSSRFGuard(cfg.ImageImportTimeout), collector, media.ServiceConfig{
			MaxBytes:      cfg.ImageMaxBytes,
			ImportTimeout: cfg.ImageImportTimeout,
		})
	} else {
		slog.Warn("cloudinary is not configured; image endpoints will respond 503")
	}

	// 6. レート制限
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralPerMinute: cfg.RateLimitGeneral,
		WritePerMinute:   cfg.RateLimitWrite,
		CleanupInterval:  5 * time.Minute,
	})
	srv.closers = append(srv.closers, func() error {
		limiter.Stop()
		return nil
	})

	// 7. ルーターの構築
	srv.handler = handler.NewRouter(&handler.RouterDeps{
		Resolver:        resolver,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimiter:     limiter,
		PublicRateLimit: cfg.RateLimitPublic,
		Logger:          slog.Default(),
		Collector:       collector,
		MetricsHandler:  metricsHandler,

		Pinger: store.Pinger,

		PostService: postService,
		FeedSource:  postService,
		FeedConfig: handler.FeedConfig{
			SiteURL:     cfg.SiteURL,
			Title:       cfg.SiteTitle,
			Description: cfg.SiteTitle + " の最新記事",
		},

		UserService: userService,

		WebhookVerifier: webhookVerifier,
		ProviderEvents:  userService,

		ImageService: imageService,
	})
	return srv, nil
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. ストア接続（PostgreSQLは起動時にマイグレーションを適用する）
	store, err := database.OpenStore(context.Background(), database.StoreConfig{
		DatabaseURL:    cfg.DatabaseURL,
		DatabaseName:   cfg.DatabaseName,
		ConnectTimeout: cfg.ProviderTimeout,
		Migrate:        true,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	// 2. 依存関係のワイヤリング
	srv, err := buildServer(cfg, store)
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}
	defer srv.Close()

	// 3. HTTPサーバーの起動
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// PostgreSQL以外のバックエンドではマイグレーションは不要のためエラーを返す。
func runMigrate(cfg *config.Config) error {
	backend, err := database.BackendOf(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if backend != database.BackendPostgres {
		return fmt.Errorf("migrate supports postgres only, got %s", backend)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードを伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return "***"
	}
	return u.Redacted()
}
