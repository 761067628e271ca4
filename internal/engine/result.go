package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/oriys/runbox/internal/domain"
)

// normalize 把后端的原始返回转换为 ExecutionResult。
//
// 映射规则：
//   - 退出码 0 且无错误：success，输出为去除首尾空白的捕获输出
//   - 非零退出码：error / non_zero_exit，退出码为进程真实退出码
//   - *domain.ExecutionError：error，保留其分类与退出码
//   - 其他错误：error / orchestration_failure，退出码 -1
func normalize(backend string, out *Outcome, err error, elapsed float64) domain.ExecutionResult {
	if err != nil {
		var execErr *domain.ExecutionError
		if !errors.As(err, &execErr) {
			execErr = domain.NewExecutionError(domain.ErrorKindOrchestration, "execution failed", err)
		}
		return failure(execErr, backend, elapsed)
	}

	if out == nil {
		return failure(domain.NewExecutionError(domain.ErrorKindOrchestration,
			backend+" backend returned no outcome", nil), backend, elapsed)
	}

	output := strings.TrimSpace(out.Output)
	if out.ExitCode != 0 {
		if output == "" {
			output = fmt.Sprintf("process exited with code %d", out.ExitCode)
		}
		return domain.ExecutionResult{
			Status:               domain.StatusError,
			Output:               output,
			ExitCode:             out.ExitCode,
			ExecutionTimeSeconds: nonNegative(elapsed),
			ErrorKind:            domain.ErrorKindNonZeroExit,
			Backend:              backend,
		}
	}

	return domain.ExecutionResult{
		Status:               domain.StatusSuccess,
		Output:               output,
		ExitCode:             0,
		ExecutionTimeSeconds: nonNegative(elapsed),
		Backend:              backend,
	}
}

// failure 把执行错误转换为 status=error 的结果。
// 用户代码异常只输出错误消息；其余分类在消息后附上已收集到的部分输出。
func failure(execErr *domain.ExecutionError, backend string, elapsed float64) domain.ExecutionResult {
	output := execErr.Error()
	partial := strings.TrimSpace(execErr.Output)
	switch {
	case execErr.Kind == domain.ErrorKindUserCode:
		output = execErr.Message
	case execErr.Kind == domain.ErrorKindNonZeroExit && partial != "":
		output = partial
	case partial != "":
		output = output + "\n" + partial
	}

	exitCode := execErr.ExitCode
	if execErr.Kind != domain.ErrorKindNonZeroExit && exitCode == 0 {
		exitCode = domain.ExitCodeNone
	}

	return domain.ExecutionResult{
		Status:               domain.StatusError,
		Output:               output,
		ExitCode:             exitCode,
		ExecutionTimeSeconds: nonNegative(elapsed),
		ErrorKind:            execErr.Kind,
		Backend:              backend,
	}
}

// unavailable 构造没有尝试执行的结果，耗时恒为 0。
func unavailable(reason string) domain.ExecutionResult {
	return domain.ExecutionResult{
		Status:               domain.StatusError,
		Output:               "execution unavailable: " + reason,
		ExitCode:             domain.ExitCodeNone,
		ExecutionTimeSeconds: 0,
		ErrorKind:            domain.ErrorKindUnavailable,
	}
}

func nonNegative(seconds float64) float64 {
	if seconds < 0 {
		return 0
	}
	return seconds
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return domain.TruncateUTF8(s, max) + "..."
}
