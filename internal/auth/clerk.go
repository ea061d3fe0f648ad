package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hitoshi/blogman/internal/model"
)

const (
	defaultClerkAPIURL = "https://api.clerk.com"
	// 時刻ずれの許容幅
	clerkClockSkew = 5 * time.Second
	// Clerk APIレスポンスの読み取り上限
	clerkMaxBodySize = 1 << 20
)

// ClerkConfig はClerk検証器の設定。
type ClerkConfig struct {
	SecretKey         string
	JWTKeyPEM         string
	AuthorizedParties []string

	// テスト用にオーバーライド可能
	APIURL     string
	HTTPClient *http.Client
}

// ClerkVerifier はClerkのセッションJWTを検証し、ユーザー情報をAPIから取得する。
type ClerkVerifier struct {
	config    ClerkConfig
	publicKey *rsa.PublicKey
	client    *http.Client
}

// sessionClaims はClerkセッショントークンのクレーム。
type sessionClaims struct {
	AuthorizedParty string `json:"azp,omitempty"`
	jwt.RegisteredClaims
}

// ClerkEmailAddress はClerkのメールアドレス表現。
type ClerkEmailAddress struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address"`
}

// ClerkUser はClerk APIおよびWebhookが返すユーザーオブジェクト。
type ClerkUser struct {
	ID                    string              `json:"id"`
	EmailAddresses        []ClerkEmailAddress `json:"email_addresses"`
	PrimaryEmailAddressID *string             `json:"primary_email_address_id"`
	Username              *string             `json:"username"`
	FirstName             *string             `json:"first_name"`
	LastName              *string             `json:"last_name"`
	ImageURL              *string             `json:"image_url"`
	ProfileImageURL       *string             `json:"profile_image_url"`
}

// PrimaryEmail はprimary_email_address_idに対応するアドレスを返す。
// 見つからない場合は先頭のアドレス、アドレスが無い場合は空文字を返す。
func (u ClerkUser) PrimaryEmail() string {
	if len(u.EmailAddresses) == 0 {
		return ""
	}
	if u.PrimaryEmailAddressID != nil {
		for _, e := range u.EmailAddresses {
			if e.ID == *u.PrimaryEmailAddressID {
				return strings.ToLower(e.EmailAddress)
			}
		}
	}
	return strings.ToLower(u.EmailAddresses[0].EmailAddress)
}

// Profile はユーザーオブジェクトをプロフィールに変換する。
func (u ClerkUser) Profile() model.Profile {
	image := u.ImageURL
	if emptyString(image) {
		image = u.ProfileImageURL
	}
	return model.Profile{
		SubjectID:    u.ID,
		Email:        u.PrimaryEmail(),
		Username:     nonEmpty(u.Username),
		FirstName:    nonEmpty(u.FirstName),
		LastName:     nonEmpty(u.LastName),
		ProfileImage: nonEmpty(image),
	}
}

func emptyString(s *string) bool {
	return s == nil || *s == ""
}

func nonEmpty(s *string) *string {
	if emptyString(s) {
		return nil
	}
	return s
}

// NewClerkVerifier はClerkVerifierを生成する。
// JWTKeyPEMがRSA公開鍵として解釈できない場合はエラーを返す。
func NewClerkVerifier(config ClerkConfig) (*ClerkVerifier, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(config.JWTKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse clerk jwt key: %w", err)
	}
	if config.APIURL == "" {
		config.APIURL = defaultClerkAPIURL
	}
	config.APIURL = strings.TrimRight(config.APIURL, "/")
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ClerkVerifier{config: config, publicKey: key, client: client}, nil
}

// Verify はセッショントークンを検証し、プロバイダ上のプロフィールを返す。
// 署名・有効期限・azpが不正な場合やユーザーが存在しない場合はErrTokenInvalid、
// Clerk APIに到達できない場合はErrProviderUnavailableを返す。
func (v *ClerkVerifier) Verify(ctx context.Context, token string) (*model.Profile, error) {
	subject, err := v.verifySessionToken(token)
	if err != nil {
		return nil, err
	}

	user, err := v.fetchUser(ctx, subject)
	if err != nil {
		return nil, err
	}

	profile := user.Profile()
	if profile.Email == "" {
		return nil, fmt.Errorf("%w: account has no email address", ErrTokenInvalid)
	}
	return &profile, nil
}

// verifySessionToken はJWTをローカルで検証し、subを返す。
func (v *ClerkVerifier) verifySessionToken(token string) (string, error) {
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.publicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clerkClockSkew),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	if len(v.config.AuthorizedParties) > 0 && claims.AuthorizedParty != "" &&
		!slices.Contains(v.config.AuthorizedParties, claims.AuthorizedParty) {
		return "", fmt.Errorf("%w: unauthorized party %q", ErrTokenInvalid, claims.AuthorizedParty)
	}

	if !strings.HasPrefix(claims.Subject, "user_") {
		return "", fmt.Errorf("%w: unexpected subject %q", ErrTokenInvalid, claims.Subject)
	}
	return claims.Subject, nil
}

// fetchUser はClerk Backend APIからユーザーを取得する。
func (v *ClerkVerifier) fetchUser(ctx context.Context, subject string) (*ClerkUser, error) {
	endpoint := v.config.APIURL + "/v1/users/" + url.PathEscape(subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create clerk user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.config.SecretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: clerk user request failed: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, clerkMaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read clerk user response: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: clerk user %s not found", ErrTokenInvalid, subject)
	default:
		return nil, fmt.Errorf("%w: clerk user fetch failed with status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var user ClerkUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("%w: failed to parse clerk user response: %v", ErrProviderUnavailable, err)
	}
	if user.ID != subject {
		return nil, fmt.Errorf("%w: clerk user id mismatch", ErrTokenInvalid)
	}
	return &user, nil
}

// compile-time interface check
var _ Verifier = (*ClerkVerifier)(nil)
