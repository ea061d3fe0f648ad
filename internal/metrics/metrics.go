// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ミドルウェアや認証・Webhook・メディアの各サービスから利用する。
type MetricsCollector interface {
	RecordHTTPRequest(method, route string, statusCode int, duration time.Duration)
	RecordIdentityCache(hit bool)
	RecordProviderFailure(provider, reason string)
	RecordWebhookEvent(eventType, outcome string)
	RecordMediaOperation(operation, outcome string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	httpRequests     *prometheus.CounterVec
	httpLatency      *prometheus.HistogramVec
	identityCache    *prometheus.CounterVec
	providerFailures *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	mediaOperations  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blogman_http_requests_total",
			Help: "ルート・メソッド・ステータスコード別のHTTPリクエスト数",
		}, []string{"method", "route", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blogman_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		identityCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blogman_identity_cache_total",
			Help: "認証キャッシュのヒット・ミス数",
		}, []string{"result"}),
		providerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blogman_provider_failures_total",
			Help: "外部プロバイダ呼び出し失敗の合計数",
		}, []string{"provider", "reason"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blogman_webhook_events_total",
			Help: "イベント種別・結果別のWebhook受信数",
		}, []string{"event_type", "outcome"}),
		mediaOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blogman_media_operations_total",
			Help: "画像操作の合計数",
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(
		c.httpRequests,
		c.httpLatency,
		c.identityCache,
		c.providerFailures,
		c.webhookEvents,
		c.mediaOperations,
	)

	return c
}

// RecordHTTPRequest はHTTPリクエストの件数とレイテンシを記録する。
// routeにはchiのルートパターンを渡し、ラベルのカーディナリティを抑える。
func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordIdentityCache は認証キャッシュのヒット・ミスを記録する。
func (c *Collector) RecordIdentityCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.identityCache.WithLabelValues(result).Inc()
}

// RecordProviderFailure は外部プロバイダの呼び出し失敗を記録する。
func (c *Collector) RecordProviderFailure(provider, reason string) {
	c.providerFailures.WithLabelValues(provider, reason).Inc()
}

// RecordWebhookEvent はWebhookイベントの処理結果を記録する。
func (c *Collector) RecordWebhookEvent(eventType, outcome string) {
	c.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

// RecordMediaOperation は画像操作の結果を記録する。
func (c *Collector) RecordMediaOperation(operation, outcome string) {
	c.mediaOperations.WithLabelValues(operation, outcome).Inc()
}

// Nop は何も記録しないMetricsCollector。METRICS_ENABLED=falseやテストで使用する。
type Nop struct{}

func (Nop) RecordHTTPRequest(string, string, int, time.Duration) {}
func (Nop) RecordIdentityCache(bool)                             {}
func (Nop) RecordProviderFailure(string, string)                 {}
func (Nop) RecordWebhookEvent(string, string)                    {}
func (Nop) RecordMediaOperation(string, string)                  {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
