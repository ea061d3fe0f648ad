// Package auth はベアラートークンから認証済み主体を解決する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/blogman/internal/metrics"
	"github.com/hitoshi/blogman/internal/model"
)

var (
	// ErrTokenInvalid はトークンが不正・期限切れ、または主体が存在しないことを表す。
	ErrTokenInvalid = errors.New("token invalid")
	// ErrProviderUnavailable はIdPに到達できないことを表す。
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// Verifier はトークンをIdPで検証し、プロフィールを返す。
type Verifier interface {
	Verify(ctx context.Context, token string) (*model.Profile, error)
}

// UserProvisioner は検証済みプロフィールに対応するユーザーを保証する。
// 未登録の場合は作成し、last_loginを記録する。
type UserProvisioner interface {
	EnsureUser(ctx context.Context, profile model.Profile) (*model.User, error)
}

// ResolverConfig は解決処理の設定。
type ResolverConfig struct {
	ProviderTimeout time.Duration
	ProviderName    string
}

// Resolver はベアラートークンをIdentityに解決する。
type Resolver struct {
	verifier Verifier
	users    UserProvisioner
	cache    IdentityCache
	metrics  metrics.MetricsCollector
	config   ResolverConfig
}

// NewResolver はResolverを生成する。
func NewResolver(
	verifier Verifier,
	users UserProvisioner,
	cache IdentityCache,
	collector metrics.MetricsCollector,
	config ResolverConfig,
) *Resolver {
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = 10 * time.Second
	}
	if config.ProviderName == "" {
		config.ProviderName = "clerk"
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Resolver{
		verifier: verifier,
		users:    users,
		cache:    cache,
		metrics:  collector,
		config:   config,
	}
}

// Resolve はトークンを認証済み主体に解決する。
// 空のトークンは匿名としてnil, nilを返す。匿名を許可するかはルート側で判断する。
// 不正なトークンはTOKEN_INVALID、IdP障害はPROVIDER_UNAVAILABLEのAPIErrorを返す。
func (r *Resolver) Resolve(ctx context.Context, token string) (*model.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	if identity, ok := devIdentity(token); ok {
		return identity, nil
	}

	if identity, ok := r.cache.Get(ctx, token); ok {
		r.metrics.RecordIdentityCache(true)
		return identity, nil
	}
	r.metrics.RecordIdentityCache(false)

	verifyCtx, cancel := context.WithTimeout(ctx, r.config.ProviderTimeout)
	profile, err := r.verifier.Verify(verifyCtx, token)
	cancel()
	if err != nil {
		return nil, r.verifyError(err)
	}

	user, err := r.users.EnsureUser(ctx, *profile)
	if err != nil {
		return nil, err
	}

	identity := &model.Identity{
		SubjectID: user.ExternalSubjectID,
		Email:     user.Email,
		Role:      user.Role,
		Active:    user.IsActive,
	}
	r.cache.Set(ctx, token, identity)

	return identity, nil
}

// verifyError は検証エラーをAPIErrorに変換する。
func (r *Resolver) verifyError(err error) error {
	switch {
	case errors.Is(err, ErrTokenInvalid):
		slog.Debug("token rejected", slog.String("error", err.Error()))
		return model.NewTokenInvalidError()
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, context.DeadlineExceeded):
		r.metrics.RecordProviderFailure(r.config.ProviderName, "unavailable")
		slog.Warn("identity provider unavailable",
			slog.String("provider", r.config.ProviderName),
			slog.String("error", err.Error()),
		)
		return model.NewProviderUnavailableError(r.config.ProviderName)
	default:
		r.metrics.RecordProviderFailure(r.config.ProviderName, "error")
		return fmt.Errorf("failed to verify token: %w", err)
	}
}
