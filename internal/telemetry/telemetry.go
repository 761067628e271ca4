// Package telemetry 提供 OpenTelemetry 分布式追踪与日志初始化的封装。
// 该包负责：
//   - 初始化 OTLP gRPC 追踪导出器与采样策略
//   - 为执行引擎与容器生命周期创建 Span
//   - 按配置构建 logrus 日志记录器，并把追踪上下文注入日志
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/oriys/runbox/internal/config"
)

// tracerName 是平台内部 Span 使用的追踪器名称
const tracerName = "github.com/oriys/runbox"

// Telemetry 持有追踪提供者，负责追踪数据的生命周期。
type Telemetry struct {
	config         config.TelemetryConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// New 根据给定配置创建 Telemetry 实例。
// 未启用时返回仅包含全局（空操作）追踪器的实例。
// 启用时：
//  1. 在 10 秒内建立到 OTLP 接收器的 gRPC 连接
//  2. 创建带服务名与环境属性的资源
//  3. 按采样率配置 ParentBased 采样器
//  4. 设置全局追踪提供者与 W3C 传播器
func New(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{config: cfg, tracer: otel.Tracer(tracerName)}, nil
	}

	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1.0
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// 内网 Collector，使用不安全凭据并阻塞直到连接建立
	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
			attribute.String("environment", cfg.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{
		config:         cfg,
		tracerProvider: tp,
		tracer:         tp.Tracer(tracerName),
	}, nil
}

// Version 是写入追踪资源与 CLI version 命令的版本号，构建时可通过 -ldflags 覆盖。
var Version = "dev"

// Tracer 返回用于创建 Span 的追踪器实例。
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// Shutdown 刷新待发送的追踪数据并释放资源。
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Shutdown(ctx)
}

// IsEnabled 返回遥测功能是否已启用。
func (t *Telemetry) IsEnabled() bool {
	return t.config.Enabled
}

// StartSpan 使用全局追踪提供者创建一个子 Span。
// 未启用遥测时得到的是空操作 Span，调用方无需判断。
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan 结束 Span；err 不为空时记录错误并将状态设为 Error。
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext 从上下文中提取 Trace ID，上下文无效时返回空字符串。
func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
