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
// ワーカーや同期ランナーから利用する。
type MetricsCollector interface {
	RecordRun(result string)
	RecordRunDuration(duration time.Duration)
	RecordPersons(role, status string, count int)
	RecordProviderRequest(provider string, statusCode int, duration time.Duration)
	RecordReportDelivery(result string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	runs            *prometheus.CounterVec
	runDuration     prometheus.Histogram
	persons         *prometheus.CounterVec
	providerReqs    *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	reportDelivery  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsync_runs_total",
			Help: "同期実行の結果別合計数",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "groupsync_run_duration_seconds",
			Help:    "同期実行の所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		persons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsync_persons_total",
			Help: "ロール・結果別の処理人数",
		}, []string{"role", "status"}),
		providerReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsync_provider_requests_total",
			Help: "プロバイダー・ステータスコード別のリクエスト数",
		}, []string{"provider", "status_code"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupsync_provider_request_duration_seconds",
			Help:    "プロバイダーリクエストの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		reportDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupsync_report_deliveries_total",
			Help: "レポート配信の結果別合計数",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.runs,
		c.runDuration,
		c.persons,
		c.providerReqs,
		c.providerLatency,
		c.reportDelivery,
	)

	return c
}

// RecordRun は同期実行の結果を記録する。
func (c *Collector) RecordRun(result string) {
	c.runs.WithLabelValues(result).Inc()
}

// RecordRunDuration は同期実行の所要時間を記録する。
func (c *Collector) RecordRunDuration(duration time.Duration) {
	c.runDuration.Observe(duration.Seconds())
}

// RecordPersons はロール・結果別の処理人数を記録する。
func (c *Collector) RecordPersons(role, status string, count int) {
	c.persons.WithLabelValues(role, status).Add(float64(count))
}

// RecordProviderRequest はプロバイダーへのリクエストを記録する。
func (c *Collector) RecordProviderRequest(provider string, statusCode int, duration time.Duration) {
	c.providerReqs.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
	c.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordReportDelivery はレポート配信の結果を記録する。
func (c *Collector) RecordReportDelivery(result string) {
	c.reportDelivery.WithLabelValues(result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// InstrumentedTransport はプロバイダーリクエストのメトリクスを記録する
// http.RoundTripper。APIクライアントのHTTPクライアントに差し込んで使う。
type InstrumentedTransport struct {
	Base      http.RoundTripper
	Provider  string
	Collector MetricsCollector
}

// RoundTrip はリクエストを転送し、ステータスコードと所要時間を記録する。
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	start := time.Now()
	resp, err := base.RoundTrip(req)
	if err != nil {
		t.Collector.RecordProviderRequest(t.Provider, 0, time.Since(start))
		return nil, err
	}

	t.Collector.RecordProviderRequest(t.Provider, resp.StatusCode, time.Since(start))
	return resp, nil
}
