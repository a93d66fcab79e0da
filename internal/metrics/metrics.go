// Package metrics exposes the offline cache manager's activity as Prometheus
// metrics on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emm-site/offline-edge/internal/offline"
)

// Namespace 是全部指标的前缀。
const Namespace = "offline"

// Recorder 实现 offline.Observer，并持有独立的 registry，避免污染全局默认注册表。
type Recorder struct {
	registry *prometheus.Registry

	FetchTotal       *prometheus.CounterVec
	FetchErrorsTotal *prometheus.CounterVec
	CacheWritesTotal *prometheus.CounterVec
	InstallTotal     *prometheus.CounterVec
	InstallDuration  prometheus.Histogram
	SweepDeleted     prometheus.Counter
	SweepFailed      prometheus.Counter
	ActiveGeneration *prometheus.GaugeVec
}

var _ offline.Observer = (*Recorder)(nil)

// NewRecorder 创建 registry 并注册全部指标以及 Go 运行时采集器。
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fetch_total",
			Help:      "Intercepted requests by route and response source",
		}, []string{"route", "source"}),
		FetchErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "fetch_errors_total",
			Help:      "Requests that failed after the strategy's fallback chain",
		}, []string{"route"}),
		CacheWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_writes_total",
			Help:      "Detached cache writes by result",
		}, []string{"result"}),
		InstallTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "install_total",
			Help:      "Install attempts by result",
		}, []string{"result"}),
		InstallDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "install_duration_seconds",
			Help:      "Duration of install (precache) attempts",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		SweepDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sweep_deleted_total",
			Help:      "Stale cache buckets deleted during activation",
		}),
		SweepFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sweep_failed_total",
			Help:      "Stale cache buckets that could not be deleted",
		}),
		ActiveGeneration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_generation",
			Help:      "Set to 1 for the cache generation controlling requests",
		}, []string{"generation"}),
	}
}

// FetchCompleted 记录一次请求处理结果。
func (r *Recorder) FetchCompleted(route offline.Route, source offline.Source, err error) {
	if err != nil {
		r.FetchErrorsTotal.WithLabelValues(string(route)).Inc()
		return
	}
	r.FetchTotal.WithLabelValues(string(route), string(source)).Inc()
}

// CacheWriteCompleted 记录后台缓存写入结果。
func (r *Recorder) CacheWriteCompleted(result offline.WriteResult) {
	r.CacheWritesTotal.WithLabelValues(string(result)).Inc()
}

// InstallCompleted 记录安装结果与耗时。
func (r *Recorder) InstallCompleted(_ offline.Generation, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.InstallTotal.WithLabelValues(result).Inc()
	r.InstallDuration.Observe(duration.Seconds())
}

// SweepCompleted 记录激活清理结果，并切换当前世代标记。
func (r *Recorder) SweepCompleted(result offline.SweepResult) {
	r.SweepDeleted.Add(float64(len(result.Deleted)))
	r.SweepFailed.Add(float64(len(result.Failed)))
	r.SetActiveGeneration(result.Generation)
}

// SetActiveGeneration 将 generation 标记为当前控制者，例如从存储恢复时。
func (r *Recorder) SetActiveGeneration(generation offline.Generation) {
	r.ActiveGeneration.Reset()
	r.ActiveGeneration.WithLabelValues(string(generation)).Set(1)
}

// Registry 返回底层 registry。
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler 返回 Prometheus 文本格式的 http.Handler。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
