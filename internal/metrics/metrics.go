// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/billboard/internal/model"
)

// Collector はPrometheusメトリクスを収集する実装。
// moderation.VerdictRecorder、display.CycleRecorder、message.SubmissionRecorder、
// cleanup.Recorder を満たし、各コンポーネントに同じインスタンスを渡して使う。
type Collector struct {
	submissions        *prometheus.CounterVec
	verdicts           *prometheus.CounterVec
	moderationLatency  prometheus.Histogram
	failOpen           prometheus.Counter
	displayCycles      *prometheus.CounterVec
	approvedQueueDepth prometheus.Gauge
	httpStatus         *prometheus.CounterVec
	cleanupDeleted     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billboard_submissions_total",
			Help: "投稿結果別のメッセージ投稿数",
		}, []string{"outcome"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billboard_moderation_verdicts_total",
			Help: "判定経路と結果別のモデレーション判定数",
		}, []string{"source", "status"}),
		moderationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "billboard_moderation_latency_seconds",
			Help:    "モデレーションサービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		failOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billboard_moderation_fail_open_total",
			Help: "モデレーション障害によりフェイルオープンで承認された件数",
		}),
		displayCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billboard_display_cycles_total",
			Help: "結果別の表示サイクル数",
		}, []string{"outcome"}),
		approvedQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "billboard_approved_queue_depth",
			Help: "表示待ちの承認済みメッセージ数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billboard_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		cleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billboard_cleanup_deleted_total",
			Help: "保持期間超過で削除されたメッセージの合計数",
		}),
	}

	reg.MustRegister(
		c.submissions,
		c.verdicts,
		c.moderationLatency,
		c.failOpen,
		c.displayCycles,
		c.approvedQueueDepth,
		c.httpStatus,
		c.cleanupDeleted,
	)

	return c
}

// RecordSubmission は投稿結果を記録する。
func (c *Collector) RecordSubmission(outcome string) {
	c.submissions.WithLabelValues(outcome).Inc()
}

// RecordVerdict はモデレーション判定を記録する。
func (c *Collector) RecordVerdict(source model.VerdictSource, status model.Status) {
	c.verdicts.WithLabelValues(string(source), string(status)).Inc()
}

// RecordModerationLatency はモデレーションサービス呼び出しのレイテンシを記録する。
func (c *Collector) RecordModerationLatency(d time.Duration) {
	c.moderationLatency.Observe(d.Seconds())
}

// RecordFailOpen はフェイルオープン承認を記録する。
func (c *Collector) RecordFailOpen() {
	c.failOpen.Inc()
}

// RecordDisplayCycle は表示サイクルの結果を記録する。
func (c *Collector) RecordDisplayCycle(outcome string) {
	c.displayCycles.WithLabelValues(outcome).Inc()
}

// SetApprovedQueueDepth は表示待ちの承認済みメッセージ数を設定する。
func (c *Collector) SetApprovedQueueDepth(n int) {
	c.approvedQueueDepth.Set(float64(n))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCleanupDeleted は削除されたメッセージ数を記録する。
func (c *Collector) RecordCleanupDeleted(count int64) {
	c.cleanupDeleted.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
