// Package webhook はIdP（Clerk）から送信されるユーザーイベントの
// 署名検証とペイロード解析を提供する。
//
// ClerkはSvix形式で署名するため、検証はSvix公式SDKに委ねる。
// 署名タイムスタンプの許容差はSDKの既定（5分）に従う。
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	svix "github.com/svix/svix-webhooks/go"

	"github.com/hitoshi/blogman/internal/auth"
	"github.com/hitoshi/blogman/internal/user"
)

var (
	// ErrInvalidSignature は署名ヘッダーの欠落・期限切れ・不一致を表す。
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedPayload はペイロードがイベントとして解釈できないことを表す。
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Verifier はSvix形式の署名を検証する。
type Verifier struct {
	wh *svix.Webhook
}

// NewVerifier は "whsec_" 形式の秘密鍵からVerifierを生成する。
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if strings.TrimPrefix(secret, "whsec_") == "" {
		return nil, errors.New("webhook secret is empty")
	}
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode webhook secret: %w", err)
	}
	return &Verifier{wh: wh}, nil
}

// Verify はヘッダーとボディから署名を検証する。
// 鍵ローテーション中に複数の署名が並ぶ場合はいずれか1つが一致すればよい。
func (v *Verifier) Verify(header http.Header, body []byte) error {
	if err := v.wh.Verify(body, header); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Sign は "v1,<base64>" 形式の署名を返す。動作確認用。
func (v *Verifier) Sign(id string, timestamp time.Time, body []byte) (string, error) {
	return v.wh.Sign(id, timestamp, body)
}

// Event はIdPから通知されたイベント。
type Event struct {
	Type string         `json:"type"`
	Data auth.ClerkUser `json:"data"`
}

// Parse はペイロードをEventとして解析する。
// typeまたはdata.idが無い場合はErrMalformedPayloadを返す。
func Parse(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if event.Type == "" || event.Data.ID == "" {
		return nil, fmt.Errorf("%w: type and data.id are required", ErrMalformedPayload)
	}
	return &event, nil
}

// UserEvent はユーザーサービスに渡すイベントに変換する。
func (e *Event) UserEvent() user.Event {
	return user.Event{Type: e.Type, Profile: e.Data.Profile()}
}
