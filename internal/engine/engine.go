package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/runbox/internal/domain"
	"github.com/oriys/runbox/internal/metrics"
	"github.com/oriys/runbox/internal/telemetry"
)

// Engine 是函数执行引擎。
// 引擎本身无队列、无并发限制，可被并发调用；
// 调用之间唯一共享的状态是只读的 Availability。
type Engine struct {
	availability Availability
	container    Backend
	local        Backend
	metrics      *metrics.Metrics
	logger       *logrus.Logger
}

// Option 配置 Engine 的可选项。
type Option func(*Engine)

// WithContainer 设置容器后端。
func WithContainer(b Backend) Option {
	return func(e *Engine) { e.container = b }
}

// WithLocal 设置本地回退后端。nil 表示禁用本地回退。
func WithLocal(b Backend) Option {
	return func(e *Engine) { e.local = b }
}

// WithMetrics 设置指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New 创建执行引擎。
//
// 参数：
//   - availability: 启动时探测得到的后端可用性上下文
//   - logger: 日志记录器
//   - opts: 后端与指标等可选项
func New(availability Availability, logger *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{
		availability: availability,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.metrics.SetBackendAvailable(BackendContainer, e.containerSelected())
	e.metrics.SetBackendAvailable(BackendLocal, e.local != nil)
	return e
}

// Availability 返回引擎使用的后端可用性上下文。
func (e *Engine) Availability() Availability {
	return e.availability
}

func (e *Engine) containerSelected() bool {
	return e.availability.ContainerUsable() && e.container != nil
}

// Execute 执行一次函数并返回归一化结果，永不返回错误、永不 panic。
//
// 调度策略：
//  1. 容器后端可用时，任何运行时都交给容器后端
//  2. 否则 python 交给本地回退
//  3. 否则立即返回 unavailable 结果，耗时为 0，不尝试执行
//
// ctx 只用于传递追踪信息，它的取消不会中断执行；
// 一次调用在完成或超时之前一直运行。
func (e *Engine) Execute(ctx context.Context, spec domain.FunctionSpec) (result domain.ExecutionResult) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := telemetry.StartSpan(ctx, "engine.execute",
		attribute.String("runtime", string(spec.Runtime)),
		attribute.Float64("timeout_seconds", spec.TimeoutSeconds),
	)

	var (
		backendName string
		start       time.Time
	)
	defer func() {
		// 归一化出错时仍然返回一个结果，已经开始的执行保留真实耗时
		if r := recover(); r != nil {
			var elapsed float64
			if !start.IsZero() {
				elapsed = time.Since(start).Seconds()
			}
			result = failure(domain.NewExecutionError(domain.ErrorKindOrchestration,
				fmt.Sprintf("execution engine failure: %v", r), nil), backendName, elapsed)
		}
		e.finish(ctx, span, spec, result)
	}()

	if !spec.Runtime.IsValid() {
		return unavailable(fmt.Sprintf("runtime %q is not supported", spec.Runtime))
	}
	if spec.TimeoutSeconds <= 0 {
		return unavailable(fmt.Sprintf("invalid timeout %v", spec.TimeoutSeconds))
	}

	backend, reason := e.selectBackend(spec.Runtime)
	if backend == nil {
		return unavailable(reason)
	}

	backendName = backend.Name()
	start = time.Now()
	outcome, err := e.delegate(ctx, backend, spec)
	elapsed := time.Since(start).Seconds()

	return normalize(backendName, outcome, err, elapsed)
}

// finish 结束追踪 span 并记录日志与指标。
// 这一步的 panic 被吞掉，结果已经确定，不能再被改变。
func (e *Engine) finish(ctx context.Context, span trace.Span, spec domain.FunctionSpec, result domain.ExecutionResult) {
	defer func() { _ = recover() }()

	span.SetAttributes(
		attribute.String("backend", result.Backend),
		attribute.String("status", string(result.Status)),
		attribute.Int("exit_code", result.ExitCode),
	)
	var spanErr error
	if !result.Succeeded() {
		spanErr = fmt.Errorf("%s", result.ErrorKind)
	}
	telemetry.EndSpan(span, spanErr)
	e.observe(ctx, spec, result)
}

// selectBackend 按调度策略选择后端，返回 nil 时附带不可用原因。
func (e *Engine) selectBackend(runtime domain.Runtime) (Backend, string) {
	if e.containerSelected() && e.container.Supports(runtime) {
		return e.container, ""
	}
	if !e.availability.ContainerUsable() && e.local != nil && e.local.Supports(runtime) {
		return e.local, ""
	}

	reason := "container backend is not available"
	if r := e.availability.Reason(); r != "" {
		reason += " (" + r + ")"
	}
	if e.local == nil {
		return nil, reason + " and local fallback is disabled"
	}
	return nil, fmt.Sprintf("%s and %s functions cannot be executed locally", reason, runtime)
}

// delegate 调用后端并把后端 panic 转换为基础设施失败。
func (e *Engine) delegate(ctx context.Context, b Backend, spec domain.FunctionSpec) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithContext(ctx).WithFields(logrus.Fields{
				"backend": b.Name(),
				"runtime": spec.Runtime,
				"panic":   r,
			}).Error("Backend panicked during execution")
			out = nil
			err = domain.NewExecutionError(domain.ErrorKindOrchestration,
				fmt.Sprintf("%s backend failure: %v", b.Name(), r), nil)
		}
	}()
	return b.Run(ctx, spec)
}

// observe 记录日志与指标。
func (e *Engine) observe(ctx context.Context, spec domain.FunctionSpec, result domain.ExecutionResult) {
	e.metrics.RecordExecution(string(spec.Runtime), result.Backend, string(result.Status),
		string(result.ErrorKind), result.ExecutionTimeSeconds)

	entry := e.logger.WithContext(ctx).WithFields(logrus.Fields{
		"runtime":        spec.Runtime,
		"backend":        result.Backend,
		"status":         result.Status,
		"exit_code":      result.ExitCode,
		"execution_time": result.ExecutionTimeSeconds,
	})
	if result.Succeeded() {
		entry.Debug("Function executed")
		return
	}
	entry.WithFields(logrus.Fields{
		"error_kind": result.ErrorKind,
		"output":     truncateForLog(result.Output, 500),
	}).Info("Function execution failed")
}
