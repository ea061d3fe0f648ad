package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

var (
	// ErrBlockedURL はURLが取得禁止の宛先を指していることを表す。
	ErrBlockedURL = errors.New("blocked URL")
	// ErrTooLarge はレスポンスボディが上限を超えたことを表す。
	ErrTooLarge = errors.New("response too large")
	// ErrFetchFailed はリモート取得そのものが失敗したことを表す。
	ErrFetchFailed = errors.New("fetch failed")
)

// RemoteFetcher はSSRF対策付きのリモート取得機能のインターフェースを定義する。
// 画像のURLインポートで使用される。
type RemoteFetcher interface {
	// Fetch はURLのボディを最大maxBytesまで読み込み、Content-Typeとともに返す。
	Fetch(ctx context.Context, rawURL string, maxBytes int64) (*Fetched, error)

	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	ValidateURL(rawURL string) error
}

// Fetched は取得結果。
type Fetched struct {
	Body        []byte
	ContentType string
}

var allowedSchemes = []string{"http", "https"}

// blockedNetworks はValidateURLで拒否するアドレス範囲。
// 接続時の検証はsafeurlのDialerがDNS解決後のIPに対して行う。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16", // クラウドメタデータ(169.254.169.254)を含む
	"0.0.0.0/8",
	"100.64.0.0/10",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		networks = append(networks, network)
	}
	return networks
}

var blockedHostnames = []string{"localhost", "metadata.google.internal"}

// SSRFGuard はRemoteFetcherの実装。
// safeurlのクライアントはプライベート・ループバック・リンクローカル宛の接続を
// DNS解決後に拒否するため、DNSリバインディングにも対応する。
type SSRFGuard struct {
	client *http.Client
}

// NewSSRFGuard はタイムアウト付きのSSRFGuardを生成する。
func NewSSRFGuard(timeout time.Duration) *SSRFGuard {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return &SSRFGuard{client: safeurl.Client(config).Client}
}

// Client は内部で使用するHTTPクライアントを返す。
func (g *SSRFGuard) Client() *http.Client {
	return g.client
}

// Fetch はURLを検証した上でボディを取得する。
// 2xx以外のステータスとmaxBytesを超えるボディはエラーとする。
func (g *SSRFGuard) Fetch(ctx context.Context, rawURL string, maxBytes int64) (*Fetched, error) {
	if err := g.ValidateURL(rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}
	req.Header.Set("Accept", "image/*")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	return readResponse(resp, maxBytes)
}

// readResponse はステータスとサイズを検査してボディを読み込む。
func readResponse(resp *http.Response, maxBytes int64) (*Fetched, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrFetchFailed, resp.StatusCode)
	}
	if resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: content-length %d exceeds %d", ErrTooLarge, resp.ContentLength, maxBytes)
	}

	// 上限+1バイトまで読んで超過を検出する
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %v", ErrFetchFailed, err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return &Fetched{Body: body, ContentType: contentType}, nil
}

// ValidateURL はスキーム・ホスト・IPアドレスを静的に検証する。
func (g *SSRFGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrBlockedURL)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlockedURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("%w: disallowed scheme %q", ErrBlockedURL, parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlockedURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("%w: address %s", ErrBlockedURL, ip)
			}
		}
		return nil
	}
	for _, blocked := range blockedHostnames {
		if strings.EqualFold(host, blocked) {
			return fmt.Errorf("%w: host %s", ErrBlockedURL, host)
		}
	}
	return nil
}

var _ RemoteFetcher = (*SSRFGuard)(nil)
