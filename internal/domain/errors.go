// Package domain 定义了函数执行平台的核心领域模型。
package domain

import (
	"errors"
	"fmt"
)

// 领域错误定义
// 这些错误用于在注册中心、存储层和 API 层之间传递业务逻辑相关的错误信息。

var (
	// ========== 函数相关错误 ==========

	// ErrFunctionNotFound 表示请求的函数不存在
	ErrFunctionNotFound = errors.New("function not found")
	// ErrFunctionExists 表示函数名称或路由与已有函数冲突
	ErrFunctionExists = errors.New("function already exists")
	// ErrInvalidName 表示函数名称无效（为空或过长）
	ErrInvalidName = errors.New("invalid function name")
	// ErrInvalidRuntime 表示指定的运行时不受支持
	ErrInvalidRuntime = errors.New("invalid runtime: must be python or javascript")
	// ErrInvalidCode 表示函数代码为空
	ErrInvalidCode = errors.New("invalid code")
	// ErrCodeSizeExceeded 表示代码大小超出限制
	ErrCodeSizeExceeded = errors.New("code size exceeds maximum limit")
	// ErrInvalidRoute 表示自定义路由格式无效
	ErrInvalidRoute = errors.New("invalid route: must start with '/'")
	// ErrInvalidTimeout 表示超时配置超出有效范围
	ErrInvalidTimeout = errors.New("invalid timeout: must be greater than 0 and at most 300 seconds")

	// ========== 指标相关错误 ==========

	// ErrInvalidMetric 表示手动写入的指标记录无效
	ErrInvalidMetric = errors.New("invalid metric record")
)

// ErrorKind 是执行失败的分类标签。
// 所有失败最终都会被归一化为 status=error 的 ExecutionResult，
// ErrorKind 保留了失败的具体原因，供指标和调用方区分。
type ErrorKind string

const (
	// ErrorKindUnavailable 表示没有可用于该运行时的后端
	ErrorKindUnavailable ErrorKind = "unavailable"
	// ErrorKindTimeout 表示等待超过了 timeoutSeconds
	ErrorKindTimeout ErrorKind = "timeout_exceeded"
	// ErrorKindNonZeroExit 表示隔离单元以非零退出码结束
	ErrorKindNonZeroExit ErrorKind = "non_zero_exit"
	// ErrorKindOrchestration 表示隔离基础设施本身失败（创建、挂载、传输）
	ErrorKindOrchestration ErrorKind = "orchestration_failure"
	// ErrorKindUserCode 表示本地回退路径上用户代码抛出异常
	ErrorKindUserCode ErrorKind = "user_code_exception"
)

// ExecutionError 是后端返回的带类型执行错误。
// 引擎根据 Kind 将其归一化为 ExecutionResult，绝不向调用方抛出。
type ExecutionError struct {
	// Kind 错误分类
	Kind ErrorKind
	// Message 人类可读的错误描述
	Message string
	// Output 失败前尽力收集到的输出（可能为空）
	Output string
	// ExitCode 进程真实退出码；没有真实退出时为 ExitCodeNone
	ExitCode int
	// Err 底层错误（可选）
	Err error
}

// Error 实现 error 接口。
func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 返回底层错误，支持 errors.Is / errors.As。
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError 创建一个没有真实进程退出码的执行错误。
func NewExecutionError(kind ErrorKind, message string, err error) *ExecutionError {
	return &ExecutionError{
		Kind:     kind,
		Message:  message,
		ExitCode: ExitCodeNone,
		Err:      err,
	}
}

// KindOf 提取错误链中的 ErrorKind，未知错误视为基础设施失败。
func KindOf(err error) ErrorKind {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Kind
	}
	return ErrorKindOrchestration
}
