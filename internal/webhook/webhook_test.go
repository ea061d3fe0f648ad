package webhook

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	svix "github.com/svix/svix-webhooks/go"
)

var testSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("super-secret-signing-key"))

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}
	return v
}

// signedHeader はSvix SDKで署名したヘッダーを生成する。
func signedHeader(t *testing.T, secret, id string, ts time.Time, body []byte) http.Header {
	t.Helper()
	wh, err := svix.NewWebhook(secret)
	if err != nil {
		t.Fatalf("svix.NewWebhook failed: %v", err)
	}
	sig, err := wh.Sign(id, ts, body)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	h := http.Header{}
	h.Set("svix-id", id)
	h.Set("svix-timestamp", strconv.FormatInt(ts.Unix(), 10))
	h.Set("svix-signature", sig)
	return h
}

func TestNewVerifier(t *testing.T) {
	if _, err := NewVerifier(""); err == nil {
		t.Error("empty secret should fail")
	}
	if _, err := NewVerifier("whsec_"); err == nil {
		t.Error("prefix-only secret should fail")
	}
	if _, err := NewVerifier("whsec_!!!not-base64"); err == nil {
		t.Error("non-base64 secret should fail")
	}
}

func TestVerify_Valid(t *testing.T) {
	v := newTestVerifier(t)
	body := []byte(`{"type":"user.created","data":{"id":"user_abc"}}`)

	if err := v.Verify(signedHeader(t, testSecret, "msg_1", time.Now(), body), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// 鍵ローテーション中は複数の署名のうち1つが一致すればよいことを検証
func TestVerify_MultipleSignatures(t *testing.T) {
	v := newTestVerifier(t)
	body := []byte(`{}`)
	h := signedHeader(t, testSecret, "msg_1", time.Now(), body)
	h.Set("svix-signature", "v1,aW52YWxpZA== "+h.Get("svix-signature"))

	if err := v.Verify(h, body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerify_Rejects(t *testing.T) {
	v := newTestVerifier(t)
	now := time.Now()
	body := []byte(`{"type":"user.deleted","data":{"id":"user_abc"}}`)
	otherSecret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("another-key"))

	tests := []struct {
		name   string
		header func() http.Header
		body   []byte
	}{
		{"ヘッダー欠落", func() http.Header { return http.Header{} }, body},
		{"ボディ改ざん", func() http.Header { return signedHeader(t, testSecret, "msg_1", now, body) }, []byte(`{"type":"user.deleted","data":{"id":"user_other"}}`)},
		{"ID改ざん", func() http.Header {
			h := signedHeader(t, testSecret, "msg_1", now, body)
			h.Set("svix-id", "msg_2")
			return h
		}, body},
		{"古すぎるタイムスタンプ", func() http.Header { return signedHeader(t, testSecret, "msg_1", now.Add(-6*time.Minute), body) }, body},
		{"未来すぎるタイムスタンプ", func() http.Header { return signedHeader(t, testSecret, "msg_1", now.Add(6*time.Minute), body) }, body},
		{"数値でないタイムスタンプ", func() http.Header {
			h := signedHeader(t, testSecret, "msg_1", now, body)
			h.Set("svix-timestamp", "yesterday")
			return h
		}, body},
		{"別の鍵で署名", func() http.Header { return signedHeader(t, otherSecret, "msg_1", now, body) }, body},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.header(), tt.body)
			if !errors.Is(err, ErrInvalidSignature) {
				t.Errorf("err = %v, want ErrInvalidSignature", err)
			}
		})
	}
}

// 許容範囲内のずれは受け付けることを検証
func TestVerify_WithinTolerance(t *testing.T) {
	v := newTestVerifier(t)
	body := []byte(`{}`)

	if err := v.Verify(signedHeader(t, testSecret, "msg_1", time.Now().Add(-4*time.Minute), body), body); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// Signの結果がVerifyで受け付けられることを検証
func TestVerifier_SignRoundTrip(t *testing.T) {
	v := newTestVerifier(t)
	body := []byte(`{"type":"user.updated","data":{"id":"user_abc"}}`)
	now := time.Now()

	sig, err := v.Sign("msg_9", now, body)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	h := http.Header{}
	h.Set("svix-id", "msg_9")
	h.Set("svix-timestamp", strconv.FormatInt(now.Unix(), 10))
	h.Set("svix-signature", sig)
	if err := v.Verify(h, body); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParse(t *testing.T) {
	body := []byte(`{
		"type": "user.updated",
		"object": "event",
		"data": {
			"id": "user_abc",
			"email_addresses": [
				{"id": "idn_1", "email_address": "old@example.com"},
				{"id": "idn_2", "email_address": "New@Example.com"}
			],
			"primary_email_address_id": "idn_2",
			"username": "alice",
			"first_name": "Alice",
			"last_name": "",
			"image_url": "https://img.clerk.com/a.png"
		}
	}`)

	event, err := Parse(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ue := event.UserEvent()
	if ue.Type != "user.updated" || ue.Profile.SubjectID != "user_abc" {
		t.Errorf("unexpected event: %+v", ue)
	}
	if ue.Profile.Email != "new@example.com" {
		t.Errorf("Email = %q, want primary address lowercased", ue.Profile.Email)
	}
	if ue.Profile.LastName != nil {
		t.Errorf("LastName = %v, want nil for empty string", *ue.Profile.LastName)
	}
	if ue.Profile.ProfileImage == nil || *ue.Profile.ProfileImage != "https://img.clerk.com/a.png" {
		t.Errorf("ProfileImage = %v", ue.Profile.ProfileImage)
	}
}

func TestParse_DeletedEvent(t *testing.T) {
	event, err := Parse([]byte(`{"type":"user.deleted","data":{"id":"user_abc","deleted":true,"object":"user"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.UserEvent().Profile.SubjectID != "user_abc" {
		t.Errorf("unexpected event: %+v", event)
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, body := range []string{
		``,
		`not json`,
		`{"type":"user.created"}`,
		`{"data":{"id":"user_abc"}}`,
		`{"type":"user.created","data":"string"}`,
	} {
		t.Run(body, func(t *testing.T) {
			if _, err := Parse([]byte(body)); !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}
