// Package scheduler 编排一次完整的函数调用，并运行后台定时任务。
//
// Invoker 负责 解析函数 → 执行 → 记录指标 → 发布事件 → 推送实时订阅者 的流程；
// RetentionManager 按 cron 计划清理过期的执行指标。
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/runbox/internal/domain"
	"github.com/oriys/runbox/internal/telemetry"
)

// sideEffectTimeout 是执行完成后记录指标与发布事件的时间上限。
const sideEffectTimeout = 5 * time.Second

// FunctionResolver 将函数 ID 或路由解析为可执行的规格，由 registry.Registry 实现。
type FunctionResolver interface {
	Resolve(ctx context.Context, id int64) (*domain.Function, domain.FunctionSpec, error)
	ResolveRoute(ctx context.Context, route string) (*domain.Function, domain.FunctionSpec, error)
}

// Executor 执行函数并返回归一化结果，由 engine.Engine 实现。
type Executor interface {
	Execute(ctx context.Context, spec domain.FunctionSpec) domain.ExecutionResult
}

// MetricRecorder 持久化执行指标，由 storage.PostgresStore 实现。
type MetricRecorder interface {
	CreateMetric(ctx context.Context, m *domain.MetricRecord) error
}

// EventPublisher 发布执行完成事件，由 events.EventBus 实现。
type EventPublisher interface {
	PublishExecution(ctx context.Context, inv *domain.Invocation) error
}

// Listener 接收每次调用的结果，用于实时推送。
type Listener interface {
	Broadcast(inv *domain.Invocation)
}

// Invoker 是函数调用编排器。
type Invoker struct {
	resolver  FunctionResolver
	executor  Executor
	recorder  MetricRecorder
	publisher EventPublisher
	listeners []Listener
	logger    *logrus.Logger
}

// InvokerOption 配置 Invoker 的可选依赖。
type InvokerOption func(*Invoker)

// WithRecorder 设置指标记录器。
func WithRecorder(r MetricRecorder) InvokerOption {
	return func(i *Invoker) { i.recorder = r }
}

// WithPublisher 设置事件发布器。
func WithPublisher(p EventPublisher) InvokerOption {
	return func(i *Invoker) { i.publisher = p }
}

// WithListener 追加一个调用结果监听者。
func WithListener(l Listener) InvokerOption {
	return func(i *Invoker) { i.listeners = append(i.listeners, l) }
}

// NewInvoker 创建调用编排器。
func NewInvoker(resolver FunctionResolver, executor Executor, logger *logrus.Logger, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		resolver: resolver,
		executor: executor,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Invoke 按函数 ID 执行函数。
// 函数不存在等解析错误直接返回；执行本身的失败体现在 Invocation.Result 中。
func (i *Invoker) Invoke(ctx context.Context, functionID int64) (*domain.Invocation, error) {
	fn, spec, err := i.resolver.Resolve(ctx, functionID)
	if err != nil {
		return nil, err
	}
	return i.run(ctx, fn, spec), nil
}

// InvokeRoute 按自定义路由执行函数。
func (i *Invoker) InvokeRoute(ctx context.Context, route string) (*domain.Invocation, error) {
	fn, spec, err := i.resolver.ResolveRoute(ctx, route)
	if err != nil {
		return nil, err
	}
	return i.run(ctx, fn, spec), nil
}

func (i *Invoker) run(ctx context.Context, fn *domain.Function, spec domain.FunctionSpec) *domain.Invocation {
	ctx, span := telemetry.StartSpan(ctx, "scheduler.invoke",
		attribute.Int64("function.id", fn.ID),
		attribute.String("function.name", fn.Name),
	)
	defer span.End()

	inv := &domain.Invocation{
		ExecutionID:  uuid.New().String(),
		FunctionID:   fn.ID,
		FunctionName: fn.Name,
		Runtime:      fn.Runtime,
		StartedAt:    time.Now().UTC(),
	}
	inv.Result = i.executor.Execute(ctx, spec)
	span.SetAttributes(
		attribute.String("execution.id", inv.ExecutionID),
		attribute.String("execution.status", string(inv.Result.Status)),
	)

	logger := telemetry.EntryWithTraceContext(ctx, i.logger.WithFields(logrus.Fields{
		"execution_id":  inv.ExecutionID,
		"function_id":   fn.ID,
		"function_name": fn.Name,
		"status":        inv.Result.Status,
		"duration_s":    inv.Result.ExecutionTimeSeconds,
	}))
	logger.Info("Function invoked")

	// 执行已经完成，后续副作用不随调用方取消
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	if i.recorder != nil {
		rec := domain.NewMetricRecord(fn.ID, inv.ExecutionID, inv.Result, inv.StartedAt)
		if err := i.recorder.CreateMetric(sideCtx, rec); err != nil {
			logger.WithError(err).Warn("Failed to record execution metric")
		}
	}
	if i.publisher != nil {
		if err := i.publisher.PublishExecution(sideCtx, inv); err != nil {
			logger.WithError(err).Warn("Failed to publish execution event")
		}
	}
	for _, l := range i.listeners {
		l.Broadcast(inv)
	}
	return inv
}
