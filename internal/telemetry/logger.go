package telemetry

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/oriys/runbox/internal/config"
)

// NewLogger 按日志配置构建 logrus 日志记录器。
// format 为 text 时使用 TextFormatter，其余情况使用 JSONFormatter；
// 无法解析的级别回退到 info。
func NewLogger(cfg config.LoggingConfig) *logrus.Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LoggingConfig, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// LogrusHook 是一个 Logrus 钩子，用于把追踪上下文写入日志条目。
// 只有通过 WithContext 携带了有效 Span 的条目才会被补充 trace_id 与 span_id。
type LogrusHook struct{}

// NewLogrusHook 创建一个新的 LogrusHook 实例。
func NewLogrusHook() *LogrusHook {
	return &LogrusHook{}
}

// Levels 在所有日志级别触发。
func (h *LogrusHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 在日志条目写出前注入 trace_id、span_id 与 trace_sampled。
func (h *LogrusHook) Fire(entry *logrus.Entry) error {
	if entry.Context == nil {
		return nil
	}
	spanCtx := trace.SpanFromContext(entry.Context).SpanContext()
	if !spanCtx.IsValid() {
		return nil
	}
	entry.Data["trace_id"] = spanCtx.TraceID().String()
	entry.Data["span_id"] = spanCtx.SpanID().String()
	if spanCtx.IsSampled() {
		entry.Data["trace_sampled"] = true
	}
	return nil
}

// EntryWithTraceContext 向日志条目追加追踪字段，上下文无效时原样返回。
func EntryWithTraceContext(ctx context.Context, entry *logrus.Entry) *logrus.Entry {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return entry
	}
	return entry.WithFields(logrus.Fields{
		"trace_id": spanCtx.TraceID().String(),
		"span_id":  spanCtx.SpanID().String(),
	})
}
