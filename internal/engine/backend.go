// Package engine 实现函数执行引擎。
// 引擎根据启动时确定的后端可用性选择隔离后端（容器或本地回退），
// 委派单次调用、测量墙钟耗时，并把所有结果归一化为 domain.ExecutionResult。
// Execute 是全函数：任何失败（包括后端 panic）都编码为 status=error 的结果返回。
package engine

import (
	"context"

	"github.com/oriys/runbox/internal/domain"
)

// 后端名称常量
const (
	// BackendContainer 容器后端
	BackendContainer = "container"
	// BackendLocal 本地回退后端
	BackendLocal = "local"
)

// Outcome 是后端在进程正常结束（任意退出码）时返回的原始结果。
type Outcome struct {
	// ExitCode 进程退出码
	ExitCode int
	// Output 捕获的输出（stdout 与 stderr 按到达顺序合并）
	Output string
}

// Backend 是隔离后端的统一接口。
// 每次 Run 调用都必须独立创建并完整销毁自己的执行环境，不得跨调用复用。
//
// 返回约定：
//   - 进程正常结束（无论退出码）：返回 *Outcome 与 nil
//   - 超时、基础设施失败、用户代码异常：返回 *domain.ExecutionError
type Backend interface {
	// Name 返回后端名称，用于日志与指标
	Name() string
	// Supports 报告后端是否支持该运行时
	Supports(runtime domain.Runtime) bool
	// Run 在超时约束下执行一次函数
	Run(ctx context.Context, spec domain.FunctionSpec) (*Outcome, error)
}
