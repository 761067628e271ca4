// Package metrics 提供 Prometheus 指标采集与上报的统一封装。
// 该包集中定义平台关键指标（执行、后端可用性、容器生命周期、镜像拉取、函数数量），
// 便于在各模块复用并保持标签一致。
//
// 所有辅助方法都允许在 nil 接收者上调用，未启用指标时调用方无需判空。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 封装平台运行时指标集合。
//
// 指标分类:
//   - 执行指标: 跟踪执行次数、耗时和失败分类
//   - 后端指标: 容器后端可用性、容器清理失败、镜像拉取结果
//   - 函数指标: 注册的函数数量
type Metrics struct {
	// ========== 执行相关指标 ==========

	// ExecutionsTotal 执行总次数计数器
	// 标签: runtime, backend, status
	ExecutionsTotal *prometheus.CounterVec

	// ExecutionDuration 执行耗时直方图（单位：秒）
	// 标签: runtime, backend
	ExecutionDuration *prometheus.HistogramVec

	// ExecutionErrors 执行失败计数器，按失败分类
	// 标签: runtime, error_kind
	ExecutionErrors *prometheus.CounterVec

	// ========== 后端相关指标 ==========

	// BackendAvailable 后端可用性（1 可用，0 不可用）
	// 标签: backend
	BackendAvailable *prometheus.GaugeVec

	// ContainerCleanupFailures 删除容器失败次数
	ContainerCleanupFailures prometheus.Counter

	// ContainerKills 超时或等待失败后强制终止容器的次数
	// 标签: result (ok/failed)
	ContainerKills *prometheus.CounterVec

	// ImagePulls 镜像预拉取结果计数器
	// 标签: image, result (ok/failed)
	ImagePulls *prometheus.CounterVec

	// ========== 函数相关指标 ==========

	// FunctionsTotal 注册的函数总数
	FunctionsTotal prometheus.Gauge

	// MetricsPruned 保留策略清理掉的指标记录数
	MetricsPruned prometheus.Counter
}

// NewMetrics 创建并注册一组 Prometheus 指标。
// namespace 用于作为所有指标名前缀，便于在同一 Prometheus 中区分不同应用。
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith 在指定的 Registerer 上注册指标，测试中可传入独立的 Registry。
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of function executions",
			},
			[]string{"runtime", "backend", "status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Function execution wall-clock duration in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"runtime", "backend"},
		),
		ExecutionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_errors_total",
				Help:      "Total number of failed executions by error kind",
			},
			[]string{"runtime", "error_kind"},
		),
		BackendAvailable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_available",
				Help:      "Whether an isolation backend is usable (1) or not (0)",
			},
			[]string{"backend"},
		),
		ContainerCleanupFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "container_cleanup_failures_total",
				Help:      "Total number of containers that could not be removed",
			},
		),
		ContainerKills: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "container_kills_total",
				Help:      "Total number of force-terminated containers",
			},
			[]string{"result"},
		),
		ImagePulls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_pulls_total",
				Help:      "Total number of runtime image pre-fetch attempts",
			},
			[]string{"image", "result"},
		),
		FunctionsTotal: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "functions_total",
				Help:      "Total number of registered functions",
			},
		),
		MetricsPruned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metric_records_pruned_total",
				Help:      "Total number of execution metric records removed by retention",
			},
		),
	}
}

// RecordExecution 记录一次执行的结果。
//
// 参数:
//   - runtime: 运行时
//   - backend: 执行后端名称，未到达后端时为 "none"
//   - status: success 或 error
//   - errorKind: 失败分类，成功时为空
//   - seconds: 墙钟耗时
func (m *Metrics) RecordExecution(runtime, backend, status, errorKind string, seconds float64) {
	if m == nil {
		return
	}
	if backend == "" {
		backend = "none"
	}
	m.ExecutionsTotal.WithLabelValues(runtime, backend, status).Inc()
	m.ExecutionDuration.WithLabelValues(runtime, backend).Observe(seconds)
	if errorKind != "" {
		m.ExecutionErrors.WithLabelValues(runtime, errorKind).Inc()
	}
}

// SetBackendAvailable 设置后端可用性。
func (m *Metrics) SetBackendAvailable(backend string, available bool) {
	if m == nil {
		return
	}
	v := 0.0
	if available {
		v = 1
	}
	m.BackendAvailable.WithLabelValues(backend).Set(v)
}

// RecordCleanupFailure 记录一次容器删除失败。
func (m *Metrics) RecordCleanupFailure() {
	if m == nil {
		return
	}
	m.ContainerCleanupFailures.Inc()
}

// RecordKill 记录一次强制终止。
func (m *Metrics) RecordKill(ok bool) {
	if m == nil {
		return
	}
	m.ContainerKills.WithLabelValues(result(ok)).Inc()
}

// RecordImagePull 记录一次镜像预拉取。
func (m *Metrics) RecordImagePull(image string, ok bool) {
	if m == nil {
		return
	}
	m.ImagePulls.WithLabelValues(image, result(ok)).Inc()
}

// SetFunctionsTotal 设置函数总数。
func (m *Metrics) SetFunctionsTotal(n int64) {
	if m == nil {
		return
	}
	m.FunctionsTotal.Set(float64(n))
}

// RecordPruned 累加保留策略删除的记录数。
func (m *Metrics) RecordPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.MetricsPruned.Add(float64(n))
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}
