package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/blogman/internal/metrics"
	"github.com/hitoshi/blogman/internal/model"
	"github.com/hitoshi/blogman/internal/user"
	"github.com/hitoshi/blogman/internal/webhook"
)

// maxWebhookBodyBytes はWebhookペイロードの上限。
const maxWebhookBodyBytes = 512 << 10

// WebhookVerifier はWebhookの署名を検証するインターフェース。
type WebhookVerifier interface {
	Verify(header http.Header, body []byte) error
}

// ProviderEventHandler はIdPのユーザーイベントを反映するインターフェース。
type ProviderEventHandler interface {
	HandleProviderEvent(ctx context.Context, event user.Event) error
}

// WebhookHandler はIdPからのWebhookを受信するHTTPハンドラー。
type WebhookHandler struct {
	verifier  WebhookVerifier
	events    ProviderEventHandler
	collector metrics.MetricsCollector
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(verifier WebhookVerifier, events ProviderEventHandler, collector metrics.MetricsCollector) *WebhookHandler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &WebhookHandler{verifier: verifier, events: events, collector: collector}
}

// Receive はWebhookを検証してユーザーイベントを反映する。
// POST /api/v1/users/webhook
//
// 署名不正は401、解釈できないペイロードは再送を止めるため400で応答する。
// ストア障害などの一時的な失敗は非2xxを返しIdPに再送させる。
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.collector.RecordWebhookEvent("unknown", "malformed")
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	if err := h.verifier.Verify(r.Header, body); err != nil {
		h.collector.RecordWebhookEvent("unknown", "rejected")
		slog.Warn("webhook signature rejected", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewWebhookSignatureInvalidError())
		return
	}

	event, err := webhook.Parse(body)
	if err != nil {
		h.collector.RecordWebhookEvent("unknown", "malformed")
		slog.Warn("webhook payload malformed", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("webhook payload is malformed"))
		return
	}

	if err := h.events.HandleProviderEvent(r.Context(), event.UserEvent()); err != nil {
		h.handleEventError(w, event, err)
		return
	}

	h.collector.RecordWebhookEvent(event.Type, "processed")
	slog.Info("webhook processed",
		slog.String("type", event.Type),
		slog.String("subject_id", event.Data.ID),
	)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) handleEventError(w http.ResponseWriter, event *webhook.Event, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status := mapAPIErrorToHTTPStatus(apiErr)
		outcome := "failed"
		if status < http.StatusInternalServerError {
			// 内容が受け付けられないイベントは再送しても結果が変わらない
			outcome = "malformed"
		}
		h.collector.RecordWebhookEvent(event.Type, outcome)
		slog.Warn("webhook event not applied",
			slog.String("type", event.Type),
			slog.String("subject_id", event.Data.ID),
			slog.String("code", apiErr.Code),
		)
		writeAPIErrorResponse(w, status, apiErr)
		return
	}

	h.collector.RecordWebhookEvent(event.Type, "failed")
	slog.Error("failed to apply webhook event",
		slog.String("type", event.Type),
		slog.String("subject_id", event.Data.ID),
		slog.String("error", err.Error()),
	)
	writeAPIErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
