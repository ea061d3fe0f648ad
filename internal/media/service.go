package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hitoshi/blogman/internal/metrics"
	"github.com/hitoshi/blogman/internal/model"
	"github.com/hitoshi/blogman/internal/policy"
	"github.com/hitoshi/blogman/internal/security"
)

const (
	defaultFolder   = "blog"
	uploadFormat    = "webp"
	uploadQuality   = "auto:good"
	maxTransformDim = 4000
)

var (
	folderPattern  = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)
	qualityPattern = regexp.MustCompile(`^(auto(:(best|good|eco|low))?|[1-9][0-9]?|100)$`)
)

// ServiceConfig はメディアサービスの設定。
type ServiceConfig struct {
	// ProviderName はメトリクスとエラーメッセージに使うプロバイダー名。
	ProviderName  string
	MaxBytes      int64
	ImportTimeout time.Duration
}

// Service は画像管理のサービス層。
type Service struct {
	provider  Provider
	fetcher   security.RemoteFetcher
	collector metrics.MetricsCollector
	config    ServiceConfig
}

// NewService はServiceの新しいインスタンスを生成する。
// collectorがnilの場合はメトリクスを記録しない。
func NewService(provider Provider, fetcher security.RemoteFetcher, collector metrics.MetricsCollector, config ServiceConfig) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if config.ProviderName == "" {
		config.ProviderName = "cloudinary"
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 10 << 20
	}
	if config.ImportTimeout <= 0 {
		config.ImportTimeout = 15 * time.Second
	}
	return &Service{
		provider:  provider,
		fetcher:   fetcher,
		collector: collector,
		config:    config,
	}
}

// MaxBytes は受け付ける画像サイズの上限を返す。
func (s *Service) MaxBytes() int64 {
	return s.config.MaxBytes
}

// Upload はマルチパートで受け取った画像を呼び出し元のフォルダへ保存する。
// 保存先は "{folder}/{subject_id}" で、webp・品質auto:goodに変換される。
func (s *Service) Upload(ctx context.Context, identity model.Identity, header *multipart.FileHeader, file io.Reader, folder string) (*UploadResult, error) {
	if header == nil || file == nil {
		return nil, model.NewInvalidImageError("file is required")
	}
	if header.Size > s.config.MaxBytes {
		return nil, model.NewImageTooLargeError(s.config.MaxBytes)
	}
	declared := header.Header.Get("Content-Type")
	if !isImageType(declared) {
		return nil, model.NewInvalidImageError("file must be an image")
	}

	data, err := readLimited(file, s.config.MaxBytes)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, identity, data, folder, "upload")
}

// Import はリモートURLの画像を取得して保存する。
// 取得はSSRF対策付きのクライアントで行い、内部ネットワーク宛のURLは拒否する。
func (s *Service) Import(ctx context.Context, identity model.Identity, rawURL, folder string) (*UploadResult, error) {
	if s.fetcher == nil {
		return nil, model.NewProviderUnavailableError(s.config.ProviderName)
	}
	if _, err := targetFolder(folder, identity.SubjectID); err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.config.ImportTimeout)
	defer cancel()

	fetched, err := s.fetcher.Fetch(fetchCtx, strings.TrimSpace(rawURL), s.config.MaxBytes)
	switch {
	case errors.Is(err, security.ErrBlockedURL):
		s.collector.RecordMediaOperation("import", "rejected")
		return nil, model.NewValidationError("url: must be a public http(s) URL")
	case errors.Is(err, security.ErrTooLarge):
		s.collector.RecordMediaOperation("import", "rejected")
		return nil, model.NewImageTooLargeError(s.config.MaxBytes)
	case err != nil:
		s.collector.RecordMediaOperation("import", "error")
		slog.Warn("image import fetch failed",
			slog.String("subject_id", identity.SubjectID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInvalidImageError("could not fetch the image")
	}
	if !isImageType(fetched.ContentType) {
		s.collector.RecordMediaOperation("import", "rejected")
		return nil, model.NewInvalidImageError("URL does not point to an image")
	}

	return s.store(ctx, identity, fetched.Body, folder, "import")
}

// store は内容を検査してプロバイダーへ保存する。
func (s *Service) store(ctx context.Context, identity model.Identity, data []byte, folder, op string) (*UploadResult, error) {
	target, err := targetFolder(folder, identity.SubjectID)
	if err != nil {
		return nil, err
	}
	// 宣言されたContent-Typeではなく実際の内容で判定する
	if !isImageType(http.DetectContentType(data)) {
		s.collector.RecordMediaOperation(op, "rejected")
		return nil, model.NewInvalidImageError("file content is not a supported image")
	}

	result, err := s.provider.Upload(ctx, bytes.NewReader(data), UploadOptions{
		Folder:  target,
		Format:  uploadFormat,
		Quality: uploadQuality,
	})
	if err != nil {
		return nil, s.providerError(op, err)
	}

	s.collector.RecordMediaOperation(op, "success")
	slog.Info("image stored",
		slog.String("op", op),
		slog.String("public_id", result.PublicID),
		slog.String("subject_id", identity.SubjectID),
		slog.Int("bytes", result.Bytes),
	)
	return result, nil
}

// Delete は画像を削除する。自分のフォルダの画像、または管理者のみ削除できる。
func (s *Service) Delete(ctx context.Context, identity model.Identity, publicID string) error {
	publicID = strings.Trim(publicID, "/ ")
	if publicID == "" {
		return model.NewValidationError("public_id: is required")
	}
	if policy.CanDeleteImage(identity, publicID) != policy.Allow {
		return model.NewForbiddenError("この画像を削除する権限がありません。")
	}

	deleted, err := s.provider.Delete(ctx, publicID)
	if err != nil {
		return s.providerError("delete", err)
	}
	if !deleted {
		s.collector.RecordMediaOperation("delete", "not_found")
		return model.NewImageNotFoundError(publicID)
	}

	s.collector.RecordMediaOperation("delete", "success")
	slog.Info("image deleted",
		slog.String("public_id", publicID),
		slog.String("deleted_by", identity.SubjectID),
	)
	return nil
}

// Transform は変換指定付きの配信URLを返す。
// 幅・高さは0〜4000（0は指定なし）、品質の既定値はauto。
func (s *Service) Transform(publicID string, width, height int, quality string) (string, error) {
	publicID = strings.Trim(publicID, "/ ")
	if publicID == "" {
		return "", model.NewValidationError("public_id: is required")
	}
	if width < 0 || width > maxTransformDim {
		return "", model.NewValidationError(fmt.Sprintf("width: must be between 0 and %d", maxTransformDim))
	}
	if height < 0 || height > maxTransformDim {
		return "", model.NewValidationError(fmt.Sprintf("height: must be between 0 and %d", maxTransformDim))
	}
	if quality == "" {
		quality = "auto"
	}
	if !qualityPattern.MatchString(quality) {
		return "", model.NewValidationError("quality: must be auto, auto:<level> or 1-100")
	}

	u, err := s.provider.TransformURL(publicID, Transform{Width: width, Height: height, Quality: quality})
	if err != nil {
		return "", fmt.Errorf("failed to build transform URL: %w", err)
	}
	return u, nil
}

func (s *Service) providerError(op string, err error) error {
	reason := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	}
	s.collector.RecordMediaOperation(op, "error")
	s.collector.RecordProviderFailure(s.config.ProviderName, reason)
	slog.Error("media provider call failed",
		slog.String("op", op),
		slog.String("provider", s.config.ProviderName),
		slog.String("error", err.Error()),
	)
	return model.NewProviderUnavailableError(s.config.ProviderName)
}

// targetFolder は保存先フォルダ "{folder}/{subject_id}" を返す。
func targetFolder(folder, subjectID string) (string, error) {
	folder = strings.TrimSpace(folder)
	if folder == "" {
		folder = defaultFolder
	}
	if !folderPattern.MatchString(folder) {
		return "", model.NewValidationError("folder: must be 1-50 letters, digits, '-' or '_'")
	}
	return folder + "/" + subjectID, nil
}

// readLimited は最大maxBytesまで読み込む。超過した場合はIMAGE_TOO_LARGEを返す。
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, model.NewInvalidImageError("failed to read file")
	}
	if int64(len(data)) > maxBytes {
		return nil, model.NewImageTooLargeError(maxBytes)
	}
	return data, nil
}

func isImageType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}
