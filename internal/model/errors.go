package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, post, user, media, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodeValidationFailed        = "VALIDATION_FAILED"
	ErrCodeInvalidImage            = "INVALID_IMAGE"
	ErrCodeImageTooLarge           = "IMAGE_TOO_LARGE"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeTokenInvalid            = "TOKEN_INVALID"
	ErrCodeWebhookSignatureInvalid = "WEBHOOK_SIGNATURE_INVALID"
	ErrCodeForbidden               = "FORBIDDEN"
	ErrCodeAccountDisabled         = "ACCOUNT_DISABLED"
	ErrCodePostNotFound            = "POST_NOT_FOUND"
	ErrCodeUserNotFound            = "USER_NOT_FOUND"
	ErrCodeImageNotFound           = "IMAGE_NOT_FOUND"
	ErrCodeSlugConflict            = "SLUG_CONFLICT"
	ErrCodeUserConflict            = "USER_CONFLICT"
	ErrCodeStoreUnavailable        = "STORE_UNAVAILABLE"
	ErrCodeProviderUnavailable     = "PROVIDER_UNAVAILABLE"
	ErrCodeRateLimited             = "RATE_LIMITED"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidImageError は画像以外のファイルがアップロードされた場合のエラーを生成する。
func NewInvalidImageError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidImage,
		Message:  fmt.Sprintf("画像ファイルを処理できません: %s", reason),
		Category: "media",
		Action:   "JPEG、PNG、GIF、WebPなどの画像ファイルを指定してください。",
	}
}

// NewImageTooLargeError は画像サイズ上限超過エラーを生成する。
func NewImageTooLargeError(maxBytes int64) *APIError {
	return &APIError{
		Code:     ErrCodeImageTooLarge,
		Message:  fmt.Sprintf("画像サイズが上限（%dバイト）を超えています。", maxBytes),
		Category: "media",
		Action:   "画像を圧縮してから再度アップロードしてください。",
	}
}

// NewUnauthorizedError は認証情報が無い場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewTokenInvalidError は無効または期限切れのトークンに対するエラーを生成する。
func NewTokenInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenInvalid,
		Message:  "認証トークンが無効か、有効期限が切れています。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewWebhookSignatureInvalidError はWebhook署名の検証失敗エラーを生成する。
func NewWebhookSignatureInvalidError() *APIError {
	return &APIError{
		Code:     ErrCodeWebhookSignatureInvalid,
		Message:  "Webhookの署名を検証できませんでした。",
		Category: "auth",
		Action:   "Webhookシークレットの設定を確認してください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作を行う権限がありません: %s", reason),
		Category: "auth",
		Action:   "権限を持つアカウントで操作してください。",
	}
}

// NewAccountDisabledError は無効化されたアカウントによる操作のエラーを生成する。
func NewAccountDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountDisabled,
		Message:  "このアカウントは無効化されています。",
		Category: "auth",
		Action:   "管理者に問い合わせてください。",
	}
}

// NewPostNotFoundError は記事未検出エラーを生成する。
// 非公開で閲覧権限の無い記事に対しても同じエラーを返す。
func NewPostNotFoundError(ref string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された記事が見つかりません: %s", ref),
		Category: "post",
		Action:   "記事IDまたはスラッグを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "user",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewImageNotFoundError は画像が見つからない場合のエラーを生成する。
func NewImageNotFoundError(publicID string) *APIError {
	return &APIError{
		Code:     ErrCodeImageNotFound,
		Message:  fmt.Sprintf("指定された画像が見つかりません: %s", publicID),
		Category: "media",
		Action:   "画像のpublic_idを確認してください。",
	}
}

// NewSlugConflictError はスラッグ重複エラーを生成する。
func NewSlugConflictError(slug string) *APIError {
	return &APIError{
		Code:     ErrCodeSlugConflict,
		Message:  fmt.Sprintf("このスラッグは既に使用されています: %s", slug),
		Category: "post",
		Action:   "別のスラッグを指定してください。",
	}
}

// NewUserConflictError はユーザーの一意制約違反エラーを生成する。
func NewUserConflictError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeUserConflict,
		Message:  fmt.Sprintf("同じ%sを持つユーザーが既に存在します。", field),
		Category: "user",
		Action:   "別の値を指定してください。",
	}
}

// NewStoreUnavailableError はデータストアに接続できない場合のエラーを生成する。
func NewStoreUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStoreUnavailable,
		Message:  "データストアに接続できません。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewProviderUnavailableError は外部プロバイダ（認証・メディア）に接続できない場合のエラーを生成する。
func NewProviderUnavailableError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderUnavailable,
		Message:  fmt.Sprintf("外部サービスに接続できません: %s", provider),
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}
