// Package media は記事用画像のアップロード・削除・変換URL生成を提供する。
//
// 画像の保存先は Provider インターフェースで抽象化され、本番では
// Cloudinary を使用する。Service は入力検証・権限判定・メトリクス記録を担い、
// Provider は外部サービスとの通信のみを担う。
package media

import (
	"context"
	"errors"
	"io"
)

// ErrProvider はメディアプロバイダーとの通信失敗を表す。
var ErrProvider = errors.New("media provider error")

// UploadOptions はアップロード時の保存オプション。
type UploadOptions struct {
	Folder  string
	Format  string
	Quality string
}

// UploadResult はアップロード結果。
type UploadResult struct {
	PublicID string `json:"public_id"`
	URL      string `json:"url"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Format   string `json:"format"`
	Bytes    int    `json:"bytes"`
}

// Transform は配信URLに付与する変換指定。0の幅・高さは指定なしを表す。
type Transform struct {
	Width   int
	Height  int
	Quality string
}

// Provider は画像ストレージのインターフェース。
type Provider interface {
	// Upload は画像を保存する。失敗時はErrProviderをラップしたエラーを返す。
	Upload(ctx context.Context, r io.Reader, opts UploadOptions) (*UploadResult, error)

	// Delete は画像を削除する。対象が存在しない場合はfalseを返す。
	Delete(ctx context.Context, publicID string) (bool, error)

	// TransformURL は変換指定付きの配信URLを生成する。通信は発生しない。
	TransformURL(publicID string, t Transform) (string, error)
}
