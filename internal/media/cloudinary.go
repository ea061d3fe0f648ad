package media

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
)

// CloudinaryConfig はCloudinaryの接続設定。
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	// Timeout は各API呼び出しの上限時間。0の場合は30秒。
	Timeout time.Duration
}

// CloudinaryProvider はCloudinaryを使用したProviderの実装。
type CloudinaryProvider struct {
	cld     *cloudinary.Cloudinary
	timeout time.Duration
}

// NewCloudinaryProvider はCloudinaryProviderを生成する。
func NewCloudinaryProvider(cfg CloudinaryConfig) (*CloudinaryProvider, error) {
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudinary client: %w", err)
	}
	cld.Config.URL.Secure = true

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CloudinaryProvider{cld: cld, timeout: timeout}, nil
}

// Upload は画像をCloudinaryへアップロードする。
// フォーマットと品質はアップロード時の変換として適用される。
func (p *CloudinaryProvider) Upload(ctx context.Context, r io.Reader, opts UploadOptions) (*UploadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := uploader.UploadParams{
		Folder: opts.Folder,
		Format: opts.Format,
	}
	if opts.Quality != "" {
		params.Transformation = "q_" + opts.Quality
	}

	resp, err := p.cld.Upload.Upload(ctx, r, params)
	if err != nil {
		return nil, fmt.Errorf("%w: upload: %v", ErrProvider, err)
	}
	if resp.Error.Message != "" {
		return nil, fmt.Errorf("%w: upload: %s", ErrProvider, resp.Error.Message)
	}

	return &UploadResult{
		PublicID: resp.PublicID,
		URL:      resp.SecureURL,
		Width:    resp.Width,
		Height:   resp.Height,
		Format:   resp.Format,
		Bytes:    resp.Bytes,
	}, nil
}

// Delete は画像を削除する。Cloudinaryの応答が"ok"の場合のみtrueを返す。
func (p *CloudinaryProvider) Delete(ctx context.Context, publicID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	resp, err := p.cld.Upload.Destroy(ctx, uploader.DestroyParams{PublicID: publicID})
	if err != nil {
		return false, fmt.Errorf("%w: destroy: %v", ErrProvider, err)
	}
	if resp.Error.Message != "" {
		return false, fmt.Errorf("%w: destroy: %s", ErrProvider, resp.Error.Message)
	}
	// 存在しない場合は "not found" が返る
	return resp.Result == "ok", nil
}

// TransformURL は変換指定付きの配信URLを生成する。
func (p *CloudinaryProvider) TransformURL(publicID string, t Transform) (string, error) {
	img, err := p.cld.Image(publicID)
	if err != nil {
		return "", fmt.Errorf("failed to build image asset: %w", err)
	}
	img.Transformation = transformation(t)

	u, err := img.String()
	if err != nil {
		return "", fmt.Errorf("failed to build image URL: %w", err)
	}
	return u, nil
}

// transformation はTransformをCloudinaryの変換文字列に変換する。
func transformation(t Transform) string {
	quality := t.Quality
	if quality == "" {
		quality = "auto"
	}
	parts := []string{"q_" + quality, "f_auto"}
	if t.Width > 0 {
		parts = append(parts, "w_"+strconv.Itoa(t.Width))
	}
	if t.Height > 0 {
		parts = append(parts, "h_"+strconv.Itoa(t.Height))
	}
	if t.Width > 0 && t.Height > 0 {
		parts = append(parts, "c_limit")
	}
	return strings.Join(parts, ",")
}

var _ Provider = (*CloudinaryProvider)(nil)
