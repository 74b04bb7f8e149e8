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
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordSyncSuccess(sourceID string)
	RecordSyncFailure(sourceID string, reason string)
	RecordValidationFailure(sourceID string)
	RecordHTTPStatus(statusCode int)
	RecordSyncLatency(sourceID string, duration time.Duration)
	RecordCardsUpserted(sourceID string, count int)
	RecordRateLimitSkip(sourceID string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	syncSuccess   *prometheus.CounterVec
	syncFail      *prometheus.CounterVec
	validateFail  *prometheus.CounterVec
	httpStatus    *prometheus.CounterVec
	syncLatency   *prometheus.HistogramVec
	cardsUpserted *prometheus.CounterVec
	rateLimitSkip *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		syncSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardman_sync_success_total",
			Help: "データソース同期成功の合計数",
		}, []string{"source"}),
		syncFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardman_sync_fail_total",
			Help: "データソース同期失敗の合計数",
		}, []string{"source", "reason"}),
		validateFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardman_validation_fail_total",
			Help: "パイプライン検証失敗レコードの合計数",
		}, []string{"source"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		syncLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardman_sync_latency_seconds",
			Help:    "データソース同期のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		cardsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardman_cards_upserted_total",
			Help: "アップサートされたカードの合計数",
		}, []string{"source"}),
		rateLimitSkip: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardman_rate_limit_skip_total",
			Help: "レート制限枯渇によりスキップされた同期の合計数",
		}, []string{"source"}),
	}

	reg.MustRegister(
		c.syncSuccess,
		c.syncFail,
		c.validateFail,
		c.httpStatus,
		c.syncLatency,
		c.cardsUpserted,
		c.rateLimitSkip,
	)

	return c
}

// RecordSyncSuccess は同期成功を記録する。
func (c *Collector) RecordSyncSuccess(sourceID string) {
	c.syncSuccess.WithLabelValues(sourceID).Inc()
}

// RecordSyncFailure は同期失敗を記録する。
func (c *Collector) RecordSyncFailure(sourceID string, reason string) {
	c.syncFail.WithLabelValues(sourceID, reason).Inc()
}

// RecordValidationFailure は検証失敗レコードを記録する。
func (c *Collector) RecordValidationFailure(sourceID string) {
	c.validateFail.WithLabelValues(sourceID).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSyncLatency は同期のレイテンシを記録する。
func (c *Collector) RecordSyncLatency(sourceID string, duration time.Duration) {
	c.syncLatency.WithLabelValues(sourceID).Observe(duration.Seconds())
}

// RecordCardsUpserted はアップサートされたカード数を記録する。
func (c *Collector) RecordCardsUpserted(sourceID string, count int) {
	c.cardsUpserted.WithLabelValues(sourceID).Add(float64(count))
}

// RecordRateLimitSkip はレート制限枯渇によるスキップを記録する。
func (c *Collector) RecordRateLimitSkip(sourceID string) {
	c.rateLimitSkip.WithLabelValues(sourceID).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
