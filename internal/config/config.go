package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DeactivationPolicy はユーザー無効化時の記事の扱いを表す。
type DeactivationPolicy string

const (
	// DeactivationKeep は記事をそのまま残す。
	DeactivationKeep DeactivationPolicy = "keep"
	// DeactivationUnpublish は著者の全記事を非公開にする。
	DeactivationUnpublish DeactivationPolicy = "unpublish"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	Port           string
	AppEnv         string
	AllowedOrigins []string

	// Database
	DatabaseURL  string
	DatabaseName string

	// Identity provider
	ClerkSecretKey         string
	ClerkJWTKey            string
	ClerkAPIURL            string
	ClerkAuthorizedParties []string
	ClerkWebhookSecret     string
	ProviderTimeout        time.Duration
	IdentityCacheTTL       time.Duration
	RedisURL               string

	// Media
	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string
	MediaTimeout        time.Duration
	ImageMaxBytes       int64
	ImageImportTimeout  time.Duration

	// Listing
	ListDefaultLimit int
	ListMaxLimit     int

	// Users
	DeactivationPolicy DeactivationPolicy

	// Rate Limit
	RateLimitGeneral int
	RateLimitWrite   int
	RateLimitPublic  int

	// Observability
	LogLevel       string
	MetricsEnabled bool

	// RSS
	SiteURL   string
	SiteTitle string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.ClerkSecretKey = os.Getenv("CLERK_SECRET_KEY")
	if cfg.ClerkSecretKey == "" {
		missing = append(missing, "CLERK_SECRET_KEY")
	}

	cfg.ClerkJWTKey = os.Getenv("CLERK_JWT_KEY")
	if cfg.ClerkJWTKey == "" {
		missing = append(missing, "CLERK_JWT_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	cfg.Port = getEnvString("PORT", "8000")
	cfg.AppEnv = getEnvString("APP_ENV", "development")
	cfg.AllowedOrigins = getEnvList("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	cfg.DatabaseName = getEnvString("DATABASE_NAME", "blog_db")

	cfg.ClerkAPIURL = strings.TrimRight(getEnvString("CLERK_API_URL", "https://api.clerk.com"), "/")
	cfg.ClerkAuthorizedParties = getEnvList("CLERK_AUTHORIZED_PARTIES", nil)
	cfg.ClerkWebhookSecret = getEnvString("CLERK_WEBHOOK_SECRET", "")
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.IdentityCacheTTL = getEnvDuration("IDENTITY_CACHE_TTL", 300*time.Second)
	cfg.RedisURL = getEnvString("REDIS_URL", "")

	cfg.CloudinaryCloudName = getEnvString("CLOUDINARY_CLOUD_NAME", "")
	cfg.CloudinaryAPIKey = getEnvString("CLOUDINARY_API_KEY", "")
	cfg.CloudinaryAPISecret = getEnvString("CLOUDINARY_API_SECRET", "")
	cfg.MediaTimeout = getEnvDuration("MEDIA_TIMEOUT", 30*time.Second)
	cfg.ImageMaxBytes = getEnvInt64("IMAGE_MAX_BYTES", 10<<20)
	cfg.ImageImportTimeout = getEnvDuration("IMAGE_IMPORT_TIMEOUT", 15*time.Second)

	cfg.ListDefaultLimit = getEnvInt("LIST_DEFAULT_LIMIT", 10)
	cfg.ListMaxLimit = getEnvInt("LIST_MAX_LIMIT", 100)

	switch DeactivationPolicy(getEnvString("USER_DEACTIVATION_POLICY", string(DeactivationKeep))) {
	case DeactivationUnpublish:
		cfg.DeactivationPolicy = DeactivationUnpublish
	default:
		cfg.DeactivationPolicy = DeactivationKeep
	}

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitWrite = getEnvInt("RATE_LIMIT_WRITE", 30)
	cfg.RateLimitPublic = getEnvInt("RATE_LIMIT_PUBLIC", 300)

	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.MetricsEnabled = getEnvBool("METRICS_ENABLED", true)

	cfg.SiteURL = strings.TrimRight(getEnvString("SITE_URL", "http://localhost:3000"), "/")
	cfg.SiteTitle = getEnvString("SITE_TITLE", "Blog")

	return cfg, nil
}

// MediaConfigured はCloudinaryの認証情報がすべて設定されているかを返す。
func (c *Config) MediaConfigured() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// IsProduction は本番環境として起動しているかを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// getEnvList はカンマ区切りの値を空要素を除いたスライスとして返す。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
