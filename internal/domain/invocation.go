// Package domain 定义了函数执行平台的核心领域模型。
package domain

import (
	"time"
)

// ExecutionStatus 表示一次执行的归一化状态，只有成功与失败两种。
type ExecutionStatus string

// 执行状态常量定义
const (
	// StatusSuccess 表示执行成功（退出码为 0 且没有基础设施失败）
	StatusSuccess ExecutionStatus = "success"
	// StatusError 表示执行失败，具体原因见 ErrorKind
	StatusError ExecutionStatus = "error"
)

// ExitCodeNone 是没有真实进程退出时使用的规范退出码
// （如后端不可用、基础设施失败、超时）。
const ExitCodeNone = -1

// ExecutionResult 是每次执行返回的唯一结果形态。
// 无论执行以何种方式结束，引擎都会返回该结构，而不是抛出错误。
type ExecutionResult struct {
	// Status 执行状态：success 或 error
	Status ExecutionStatus `json:"status"`
	// Output 捕获的输出或人类可读的错误描述
	Output string `json:"output"`
	// ExitCode 退出码，无真实退出时为 -1
	ExitCode int `json:"exit_code"`
	// ExecutionTimeSeconds 墙钟耗时（秒），永不为负
	ExecutionTimeSeconds float64 `json:"execution_time"`
	// ErrorKind 失败分类，成功时为空
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	// Backend 实际执行该调用的后端名称，未到达后端时为空
	Backend string `json:"backend,omitempty"`
}

// Succeeded 报告执行是否成功。
func (r ExecutionResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Invocation 表示通过注册中心发起的一次函数调用及其结果。
type Invocation struct {
	// ExecutionID 本次调用的唯一标识符（UUID）
	ExecutionID string `json:"execution_id"`
	// FunctionID 被调用函数的 ID
	FunctionID int64 `json:"function_id"`
	// FunctionName 被调用函数的名称
	FunctionName string `json:"function_name"`
	// Runtime 被调用函数的运行时
	Runtime Runtime `json:"runtime"`
	// Result 归一化的执行结果
	Result ExecutionResult `json:"result"`
	// StartedAt 调用开始时间
	StartedAt time.Time `json:"started_at"`
}
