package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MetricRecord 是一次执行持久化后的指标记录。
// 内存使用量在当前设计中从不实际测量，始终记录为 0。
type MetricRecord struct {
	ID            int64           `json:"id"`
	FunctionID    int64           `json:"function_id"`
	ExecutionID   string          `json:"execution_id,omitempty"`
	ExecutionTime float64         `json:"execution_time"`
	MemoryUsage   float64         `json:"memory_usage"`
	Status        ExecutionStatus `json:"status"`
	ExitCode      int             `json:"exit_code"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// maxErrorMessage 是写入指标记录的错误信息最大长度
const maxErrorMessage = 2048

// NewMetricRecord 根据执行结果构造指标记录。
func NewMetricRecord(functionID int64, executionID string, result ExecutionResult, ts time.Time) *MetricRecord {
	rec := &MetricRecord{
		FunctionID:    functionID,
		ExecutionID:   executionID,
		ExecutionTime: result.ExecutionTimeSeconds,
		Status:        result.Status,
		ExitCode:      result.ExitCode,
		ErrorKind:     result.ErrorKind,
		Timestamp:     ts,
	}
	if result.Status == StatusError {
		rec.ErrorMessage = truncate(result.Output, maxErrorMessage)
	}
	return rec
}

// Validate 校验手动写入的指标记录。
func (m *MetricRecord) Validate() error {
	if m.FunctionID <= 0 || m.ExecutionTime < 0 || m.MemoryUsage < 0 {
		return ErrInvalidMetric
	}
	if m.Status != StatusSuccess && m.Status != StatusError {
		return ErrInvalidMetric
	}
	return nil
}

// FunctionStats 是单个函数的聚合统计。
// SuccessRate 与 ErrorRate 为百分比（0-100），没有记录时全部为 0。
type FunctionStats struct {
	FunctionID       int64   `json:"function_id"`
	TotalExecutions  int64   `json:"total_executions"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
	AvgMemoryUsage   float64 `json:"avg_memory_usage"`
	SuccessRate      float64 `json:"success_rate"`
	ErrorRate        float64 `json:"error_rate"`
}

// ComputeStats 由原始计数计算聚合统计。
func ComputeStats(functionID, total, successes int64, avgTime, avgMemory float64) *FunctionStats {
	stats := &FunctionStats{FunctionID: functionID}
	if total <= 0 {
		return stats
	}
	stats.TotalExecutions = total
	stats.AvgExecutionTime = avgTime
	stats.AvgMemoryUsage = avgMemory
	stats.SuccessRate = float64(successes) / float64(total) * 100
	stats.ErrorRate = float64(total-successes) / float64(total) * 100
	return stats
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return strings.ToValidUTF8(s, "")
	}
	return TruncateUTF8(s, max) + "...(truncated)"
}

// TruncateUTF8 返回 s 中不超过 max 字节的前缀，截断点落在字符边界上。
// 非法 UTF-8 字节会被丢弃，结果可以直接写入 text 列或 JSON。
func TruncateUTF8(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return strings.ToValidUTF8(s, "")
}
