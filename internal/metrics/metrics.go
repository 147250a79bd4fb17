// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス・ルートガード・ミドルウェアから利用する。
type MetricsCollector interface {
	RecordSignIn(provider, outcome string)
	RecordRoleSelection(role, outcome string)
	RecordGuardRedirect(reason string)
	RecordStoreLatency(operation, outcome string, duration time.Duration)
	RecordRateLimited(route string)
	RecordTokenIssued(needsRoleSelection bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signIns        *prometheus.CounterVec
	roleSelections *prometheus.CounterVec
	guardRedirects *prometheus.CounterVec
	storeLatency   *prometheus.HistogramVec
	rateLimited    *prometheus.CounterVec
	tokensIssued   *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentauth_sign_ins_total",
			Help: "プロバイダー・結果別のサインイン試行数",
		}, []string{"provider", "outcome"}),
		roleSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentauth_role_selections_total",
			Help: "ロール選択の送信数",
		}, []string{"role", "outcome"}),
		guardRedirects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentauth_guard_redirects_total",
			Help: "ルートガードによるリダイレクト数",
		}, []string{"reason"}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rentauth_identity_store_latency_seconds",
			Help:    "アイデンティティストア呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentauth_rate_limited_total",
			Help: "レート制限で拒否されたリクエスト数",
		}, []string{"route"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rentauth_tokens_issued_total",
			Help: "発行したセッショントークン数",
		}, []string{"needs_role_selection"}),
	}

	reg.MustRegister(
		c.signIns,
		c.roleSelections,
		c.guardRedirects,
		c.storeLatency,
		c.rateLimited,
		c.tokensIssued,
	)

	return c
}

// RecordSignIn はサインイン試行を記録する。
func (c *Collector) RecordSignIn(provider, outcome string) {
	c.signIns.WithLabelValues(provider, outcome).Inc()
}

// RecordRoleSelection はロール選択の結果を記録する。
func (c *Collector) RecordRoleSelection(role, outcome string) {
	c.roleSelections.WithLabelValues(role, outcome).Inc()
}

// RecordGuardRedirect はルートガードのリダイレクトを記録する。
func (c *Collector) RecordGuardRedirect(reason string) {
	c.guardRedirects.WithLabelValues(reason).Inc()
}

// RecordStoreLatency はアイデンティティストア呼び出しのレイテンシを記録する。
func (c *Collector) RecordStoreLatency(operation, outcome string, duration time.Duration) {
	c.storeLatency.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(route string) {
	c.rateLimited.WithLabelValues(route).Inc()
}

// RecordTokenIssued はトークン発行を記録する。
func (c *Collector) RecordTokenIssued(needsRoleSelection bool) {
	label := "false"
	if needsRoleSelection {
		label = "true"
	}
	c.tokensIssued.WithLabelValues(label).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordSignIn(string, string)                      {}
func (Nop) RecordRoleSelection(string, string)               {}
func (Nop) RecordGuardRedirect(string)                       {}
func (Nop) RecordStoreLatency(string, string, time.Duration) {}
func (Nop) RecordRateLimited(string)                         {}
func (Nop) RecordTokenIssued(bool)                           {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// コンパイル時にインターフェースの実装を検証する。
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
