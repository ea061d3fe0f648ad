package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/blogman/internal/metrics"
	"github.com/hitoshi/blogman/internal/middleware"
	"github.com/hitoshi/blogman/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Resolver        middleware.IdentityResolver
	AllowedOrigins  []string
	RateLimiter     *middleware.RateLimiter
	PublicRateLimit int // 匿名ルートのIPごとの毎分上限。0以下で無効
	Logger          *slog.Logger
	Collector       metrics.MetricsCollector
	MetricsHandler  http.Handler // nilの場合は/metricsを公開しない

	// ヘルスチェック
	Pinger StorePinger

	// 記事
	PostService PostServiceInterface

	// RSS
	FeedSource FeedSource
	FeedConfig FeedConfig

	// ユーザー
	UserService UserServiceInterface

	// IdP Webhook。Verifierがnilの場合は503を返す
	WebhookVerifier WebhookVerifier
	ProviderEvents  ProviderEventHandler

	// 画像。nilの場合は503を返す
	ImageService ImageServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → Metrics → SecurityHeaders → CORS
//	  公開ルート:   PublicRateLimit(IP) → OptionalAuth
//	  認証ルート:   RequireAuth → RateLimit(General) [→ RateLimit(Write)]
//
// Webhookは署名で認証するため、ベアラートークンのミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := deps.Collector
	if collector == nil {
		collector = metrics.Nop{}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.AllowedOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "NOT_FOUND",
			Message:  "指定されたパスは存在しません。",
			Category: "request",
			Action:   "URLを確認してください。",
		})
	})

	postHandler := NewPostHandler(deps.PostService)
	userHandler := NewUserHandler(deps.UserService)
	healthHandler := NewHealthHandler(deps.Pinger)

	// --- 運用ルート ---
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- IdP Webhook ---
	if deps.WebhookVerifier != nil {
		webhookHandler := NewWebhookHandler(deps.WebhookVerifier, deps.ProviderEvents, collector)
		r.Post("/api/v1/users/webhook", webhookHandler.Receive)
	} else {
		r.Post("/api/v1/users/webhook", unavailable("webhook"))
	}

	imageHandler := (*ImageHandler)(nil)
	if deps.ImageService != nil {
		imageHandler = NewImageHandler(deps.ImageService)
	}

	// --- 認証任意のルート ---
	// ミドルウェアスタック: PublicRateLimit → OptionalAuth
	r.Group(func(r chi.Router) {
		if deps.PublicRateLimit > 0 {
			r.Use(middleware.NewPublicRateLimitMiddleware(deps.PublicRateLimit))
		}
		r.Use(middleware.NewOptionalAuthMiddleware(deps.Resolver))

		if deps.FeedSource != nil {
			r.Get("/feed.xml", NewFeedHandler(deps.FeedSource, deps.FeedConfig).ServeFeed)
		}

		r.Get("/api/v1/posts", postHandler.ListPosts)
		r.Get("/api/v1/posts/slug/{slug}", postHandler.GetPostBySlug)
		r.Get("/api/v1/posts/{ref}", postHandler.GetPost)

		if imageHandler != nil {
			r.Get("/api/v1/images/transform/*", imageHandler.TransformImage)
		} else {
			r.Get("/api/v1/images/transform/*", unavailable("media"))
		}
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: RequireAuth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewRequireAuthMiddleware(deps.Resolver))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		write := deps.RateLimiter.WriteMiddleware()

		// 記事
		r.With(write).Post("/api/v1/posts", postHandler.CreatePost)
		r.With(write).Put("/api/v1/posts/{id}", postHandler.UpdatePost)
		r.With(write).Delete("/api/v1/posts/{id}", postHandler.DeletePost)

		// ユーザー（本人）
		r.Get("/api/v1/users/me", userHandler.GetMe)
		r.With(write).Put("/api/v1/users/me", userHandler.UpdateMe)
		r.Post("/api/v1/users/login", userHandler.TrackLogin)

		// ユーザー（管理者）
		r.Get("/api/v1/users", userHandler.ListUsers)
		r.With(write).Post("/api/v1/users", userHandler.CreateUser)
		r.Get("/api/v1/users/{id}", userHandler.GetUser)
		r.With(write).Put("/api/v1/users/{id}", userHandler.UpdateUser)
		r.With(write).Delete("/api/v1/users/{id}", userHandler.DeactivateUser)

		// 画像
		if imageHandler != nil {
			r.With(write).Post("/api/v1/images/upload", imageHandler.UploadImage)
			r.With(write).Post("/api/v1/images/import", imageHandler.ImportImage)
			r.With(write).Delete("/api/v1/images/*", imageHandler.DeleteImage)
		} else {
			r.Post("/api/v1/images/upload", unavailable("media"))
			r.Post("/api/v1/images/import", unavailable("media"))
			r.Delete("/api/v1/images/*", unavailable("media"))
		}
	})

	return r
}

// unavailable は設定されていない外部連携のルートに503を返すハンドラー。
func unavailable(provider string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeAPIErrorResponse(w, http.StatusServiceUnavailable, model.NewProviderUnavailableError(provider))
	}
}
