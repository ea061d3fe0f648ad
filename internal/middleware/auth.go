// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/blogman/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに認証済みIdentityを格納するためのキー。
var identityContextKey = contextKey("identity")

// IdentityResolver はBearerトークンから呼び出し元を解決するインターフェース。
// auth.Resolverが実装する。トークンが空の場合はnil, nilを返す。
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) (*model.Identity, error)
}

// NewRequireAuthMiddleware は認証必須ルート用のミドルウェアを返す。
//   - 資格情報なし: 401 UNAUTHORIZED
//   - 不正なトークン: 401 TOKEN_INVALID
//   - IdP・ストア障害: 503
//   - 無効化されたアカウント: 403 ACCOUNT_DISABLED
func NewRequireAuthMiddleware(resolver IdentityResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := resolveIdentity(w, r, resolver)
			if !ok {
				return
			}
			if identity == nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			if !identity.Active {
				WriteErrorResponse(w, http.StatusForbidden, model.NewAccountDisabledError())
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}

// NewOptionalAuthMiddleware は認証任意ルート用のミドルウェアを返す。
// 資格情報なし・無効化されたアカウントは匿名として扱う。
// 提示されたトークンが不正な場合は匿名に落とさず401を返す。
func NewOptionalAuthMiddleware(resolver IdentityResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := resolveIdentity(w, r, resolver)
			if !ok {
				return
			}
			if identity == nil || !identity.Active {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}

// resolveIdentity はAuthorizationヘッダーを解決する。
// エラーレスポンスを書き込んだ場合はok=falseを返す。
func resolveIdentity(w http.ResponseWriter, r *http.Request, resolver IdentityResolver) (*model.Identity, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return nil, true
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenInvalidError())
		return nil, false
	}

	identity, err := resolver.Resolve(r.Context(), strings.TrimSpace(token))
	if err != nil {
		writeAuthError(w, r, err)
		return nil, false
	}
	return identity, true
}

// writeAuthError は認証処理のエラーをレスポンスに変換する。
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		slog.Error("failed to resolve identity",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteInternalServerError(w)
		return
	}

	switch apiErr.Code {
	case model.ErrCodeProviderUnavailable, model.ErrCodeStoreUnavailable:
		WriteErrorResponse(w, http.StatusServiceUnavailable, apiErr)
	case model.ErrCodeAccountDisabled:
		WriteErrorResponse(w, http.StatusForbidden, apiErr)
	case model.ErrCodeInternal:
		WriteErrorResponse(w, http.StatusInternalServerError, apiErr)
	default:
		// IdPのプロフィールが受け付けられない場合もトークン不正として扱う
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewTokenInvalidError())
	}
}

// IdentityFromContext はリクエストコンテキストから認証済みIdentityを取得する。
// 匿名リクエストの場合はnilを返す。
func IdentityFromContext(ctx context.Context) *model.Identity {
	identity, _ := ctx.Value(identityContextKey).(*model.Identity)
	return identity
}

// SubjectIDFromContext は認証済みの場合にsubject idを返す。匿名の場合は空文字を返す。
func SubjectIDFromContext(ctx context.Context) string {
	if identity := IdentityFromContext(ctx); identity != nil {
		return identity.SubjectID
	}
	return ""
}

// ContextWithIdentity はコンテキストにIdentityを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, identity *model.Identity) context.Context {
	if entry := requestLogFromContext(ctx); entry != nil && identity != nil {
		entry.subjectID = identity.SubjectID
	}
	return context.WithValue(ctx, identityContextKey, identity)
}
