// Package local 实现本地回退执行后端。
//
// 当容器后端不可用时，python 函数由宿主机解释器直接运行。
// 该路径不提供任何隔离，仅用于在隔离基础设施故障时降级服务而不是拒绝全部调用。
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oriys/runbox/internal/config"
	"github.com/oriys/runbox/internal/domain"
	"github.com/oriys/runbox/internal/engine"
	"github.com/oriys/runbox/internal/telemetry"
)

// userCodeExitCode 是 harness 捕获到用户代码异常时使用的退出码。
const userCodeExitCode = 70

// waitDelay 是超时杀死解释器后等待输出管道关闭的上限。
const waitDelay = 2 * time.Second

// harness 加载函数文件、调用 handler() 并打印返回值。
// 用户代码抛出的异常写入 argv[2] 指定的文件，然后以 userCodeExitCode 退出。
// 异常消息为空时写入异常类型名，保证该文件非空。
const harness = `
import runpy
import sys

try:
    ns = runpy.run_path(sys.argv[1], run_name="__runbox__")
    handler = ns.get("handler")
    if not callable(handler):
        raise NameError("name 'handler' is not defined")
    result = handler()
except Exception as e:
    with open(sys.argv[2], "w") as f:
        f.write(str(e) or type(e).__name__)
    sys.exit(70)

print(result)
`

var _ engine.Backend = (*Runner)(nil)

// Runner 是本地回退后端，只支持 python 运行时。
type Runner struct {
	interpreter string
	workDir     string
	logger      *logrus.Logger
}

// NewRunner 创建本地回退后端。
func NewRunner(cfg config.LocalConfig, logger *logrus.Logger) *Runner {
	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Runner{
		interpreter: interpreter,
		workDir:     cfg.WorkDir,
		logger:      logger,
	}
}

// Name 实现 engine.Backend。
func (r *Runner) Name() string {
	return engine.BackendLocal
}

// Supports 实现 engine.Backend。javascript 在本地回退模式下不可用。
func (r *Runner) Supports(runtime domain.Runtime) bool {
	return runtime == domain.RuntimePython
}

// Run 在宿主机解释器中执行 python 函数。
func (r *Runner) Run(ctx context.Context, spec domain.FunctionSpec) (out *engine.Outcome, err error) {
	if !r.Supports(spec.Runtime) {
		return nil, domain.NewExecutionError(domain.ErrorKindUnavailable,
			fmt.Sprintf("%s functions cannot be executed locally", spec.Runtime), nil)
	}

	ctx, span := telemetry.StartSpan(ctx, "local.run", attribute.String("interpreter", r.interpreter))
	defer func() { telemetry.EndSpan(span, err) }()

	dir, err := os.MkdirTemp(r.workDir, "runbox-local-")
	if err != nil {
		return nil, domain.NewExecutionError(domain.ErrorKindOrchestration, "failed to create work dir", err)
	}
	defer os.RemoveAll(dir)

	codePath := filepath.Join(dir, spec.Runtime.SourceFile())
	if err := os.WriteFile(codePath, []byte(spec.Code), 0o644); err != nil {
		return nil, domain.NewExecutionError(domain.ErrorKindOrchestration, "failed to write function code", err)
	}
	errPath := filepath.Join(dir, "exception.txt")

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.interpreter, "-c", harness, codePath, errPath)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	setProcessGroup(cmd)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	runErr := cmd.Run()

	// 异常文件存在即表示 harness 捕获了用户异常，内容可能为空。
	userErr, readErr := os.ReadFile(errPath)
	raised := readErr == nil

	r.logger.WithFields(logrus.Fields{
		"interpreter": r.interpreter,
		"duration_ms": time.Since(start).Milliseconds(),
		"output_len":  output.Len(),
		"error":       runErr,
	}).Debug("Local execution completed")

	return classify(runErr, runCtx.Err(), output.String(), raised, string(userErr), spec.Timeout())
}

// classify 把解释器的运行结果映射为 Outcome 或 ExecutionError。
//
// 映射规则：
//   - 等待超过超时：timeout_exceeded，附带部分输出
//   - 退出码 70 且 harness 创建了异常文件：user_code_exception
//   - 其他退出码：Outcome（引擎归一化为 non_zero_exit）
//   - 解释器无法启动：orchestration_failure
func classify(runErr, ctxErr error, output string, raised bool, userErr string, timeout time.Duration) (*engine.Outcome, error) {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		execErr := domain.NewExecutionError(domain.ErrorKindTimeout,
			fmt.Sprintf("execution timed out after %s", timeout), ctxErr)
		execErr.Output = output
		return nil, execErr
	}

	if runErr == nil {
		return &engine.Outcome{ExitCode: 0, Output: output}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if code == userCodeExitCode && raised {
			msg := strings.TrimSpace(userErr)
			if msg == "" {
				msg = "Exception"
			}
			return nil, domain.NewExecutionError(domain.ErrorKindUserCode, "Local execution failed: "+msg, nil)
		}
		return &engine.Outcome{ExitCode: code, Output: output}, nil
	}

	return nil, domain.NewExecutionError(domain.ErrorKindOrchestration, "failed to run local interpreter", runErr)
}
