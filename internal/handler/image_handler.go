package handler

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/blogman/internal/media"
	"github.com/hitoshi/blogman/internal/model"
)

// multipartOverhead はファイル以外のマルチパート部分に許容するバイト数。
const multipartOverhead = 1 << 20

// ImageServiceInterface は画像ハンドラーが必要とするサービスインターフェース。
type ImageServiceInterface interface {
	Upload(ctx context.Context, identity model.Identity, header *multipart.FileHeader, file io.Reader, folder string) (*media.UploadResult, error)
	Import(ctx context.Context, identity model.Identity, rawURL, folder string) (*media.UploadResult, error)
	Delete(ctx context.Context, identity model.Identity, publicID string) error
	Transform(publicID string, width, height int, quality string) (string, error)
	MaxBytes() int64
}

// ImageHandler は画像アップロード・削除・変換のHTTPハンドラー。
type ImageHandler struct {
	service ImageServiceInterface
}

// NewImageHandler はImageHandlerを生成する。
func NewImageHandler(service ImageServiceInterface) *ImageHandler {
	return &ImageHandler{service: service}
}

// importImageRequest はURLからの画像取り込みリクエストのボディ。
type importImageRequest struct {
	URL    string `json:"url"`
	Folder string `json:"folder"`
}

// UploadImage はマルチパートの画像をアップロードする。
// POST /api/v1/images/upload (file, folder)
func (h *ImageHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	maxBytes := h.service.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(maxBytes + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewImageTooLargeError(maxBytes))
			return
		}
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidImageError("multipart form with a file field is required"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidImageError("file is required"))
		return
	}
	defer file.Close()

	result, err := h.service.Upload(r.Context(), identity, header, file, r.FormValue("folder"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// ImportImage はリモートURLの画像を取り込む。
// POST /api/v1/images/import
func (h *ImageHandler) ImportImage(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var req importImageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("url: is required"))
		return
	}

	result, err := h.service.Import(r.Context(), identity, req.URL, req.Folder)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// DeleteImage は画像を削除する。public_idは"/"を含むパス全体。
// DELETE /api/v1/images/{public_id...}
func (h *ImageHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	publicID := chi.URLParam(r, "*")
	if err := h.service.Delete(r.Context(), identity, publicID); err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":   true,
		"public_id": publicID,
	})
}

// TransformImage は変換指定付きの配信URLを返す。
// GET /api/v1/images/transform/{public_id...}?width=&height=&quality=
func (h *ImageHandler) TransformImage(w http.ResponseWriter, r *http.Request) {
	width, ok := queryInt(w, r, "width", 0)
	if !ok {
		return
	}
	height, ok := queryInt(w, r, "height", 0)
	if !ok {
		return
	}
	quality := r.URL.Query().Get("quality")

	publicID := chi.URLParam(r, "*")
	url, err := h.service.Transform(publicID, width, height, quality)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"original_public_id": publicID,
		"transformed_url":    url,
		"parameters": map[string]any{
			"width":   width,
			"height":  height,
			"quality": quality,
		},
	})
}
