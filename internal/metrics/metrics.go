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
// チェック処理とセッション管理から利用する。
type MetricsCollector interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordRateLimited()
	RecordOriginStatus(statusCode int)
	RecordOriginLatency(duration time.Duration)
	RecordLogin(success bool, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cacheHit      prometheus.Counter
	cacheMiss     prometheus.Counter
	rateLimited   prometheus.Counter
	originStatus  *prometheus.CounterVec
	originLatency prometheus.Histogram
	logins        *prometheus.CounterVec
	loginLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "namecheck_cache_hits_total",
			Help: "キャッシュから応答したチェックの合計数",
		}),
		cacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "namecheck_cache_misses_total",
			Help: "キャッシュミスしたチェックの合計数",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "namecheck_rate_limited_total",
			Help: "レート制限で拒否したチェックの合計数",
		}),
		originStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "namecheck_origin_status_total",
			Help: "オリジンのステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		originLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "namecheck_origin_latency_seconds",
			Help:    "オリジン問い合わせのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "namecheck_logins_total",
			Help: "オリジンへのログイン試行数",
		}, []string{"result"}),
		loginLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "namecheck_login_duration_seconds",
			Help:    "ログインフロー全体の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.cacheHit,
		c.cacheMiss,
		c.rateLimited,
		c.originStatus,
		c.originLatency,
		c.logins,
		c.loginLatency,
	)

	return c
}

func (c *Collector) RecordCacheHit() {
	c.cacheHit.Inc()
}

func (c *Collector) RecordCacheMiss() {
	c.cacheMiss.Inc()
}

func (c *Collector) RecordRateLimited() {
	c.rateLimited.Inc()
}

// RecordOriginStatus はオリジンのステータスコードを記録する。
// 応答がなかった場合は代替ステータス（502/504）が渡される。
func (c *Collector) RecordOriginStatus(statusCode int) {
	c.originStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordOriginLatency はオリジン問い合わせのレイテンシを記録する。
func (c *Collector) RecordOriginLatency(duration time.Duration) {
	c.originLatency.Observe(duration.Seconds())
}

// RecordLogin はログイン試行の結果と所要時間を記録する。
func (c *Collector) RecordLogin(success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	c.logins.WithLabelValues(result).Inc()
	c.loginLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
