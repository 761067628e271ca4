package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/oriys/runbox/internal/bootstrap"
	"github.com/oriys/runbox/internal/config"
	"github.com/oriys/runbox/internal/domain"
	"github.com/oriys/runbox/internal/telemetry"
)

// runCmd 不经网关，在本机用执行引擎直接运行源码文件。
var runCmd = &cobra.Command{
	Use:   "run <file>",
	Short: "Execute a source file locally in a disposable sandbox",
	Long: `Execute a source file with the local execution engine, without a gateway.

The engine runs the code in a throwaway Docker container when the daemon is
reachable, and falls back to a local python interpreter otherwise.

Examples:
  runbox run handler.py
  runbox run index.js --timeout 5
  runbox run handler.py --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runRuntime      string
	runTimeout      float64
	runEngineConfig string
	runWatch        bool
)

// watchDebounce 合并编辑器保存时产生的连续事件。
const watchDebounce = 200 * time.Millisecond

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runRuntime, "runtime", "r", "", "运行时（python、javascript），默认按文件扩展名推断")
	runCmd.Flags().Float64Var(&runTimeout, "timeout", domain.DefaultTimeoutSeconds, "执行超时（秒）")
	runCmd.Flags().StringVar(&runEngineConfig, "engine-config", "", "引擎配置文件（与网关相同的 YAML 格式）")
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "文件变化时重新执行")
}

// Executor 执行一次函数调用。
type Executor interface {
	Execute(ctx context.Context, spec domain.FunctionSpec) domain.ExecutionResult
}

func runRun(cmd *cobra.Command, args []string) error {
	path := args[0]
	runtime, err := resolveRuntime(runRuntime, path)
	if err != nil {
		return err
	}
	cfg, err := loadEngineConfig(runEngineConfig)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	logger := telemetry.NewLogger(cfg.Logging)
	rt := bootstrap.NewRuntime(ctx, cfg, nil, logger, bootstrap.EngineOptions{})
	defer rt.Close()

	printer := NewPrinter(cmd.OutOrStdout())
	once := func() error {
		result, err := executeFile(ctx, rt.Engine, path, runtime, runTimeout)
		if err != nil {
			return err
		}
		if err := printer.PrintResult("", result); err != nil {
			return err
		}
		if !result.Succeeded() {
			return errExecutionFailed
		}
		return nil
	}

	if !runWatch {
		return once()
	}

	report := func() {
		if err := once(); err != nil && err != errExecutionFailed {
			fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %v\n", time.Now().Format("15:04:05"), err)
		}
	}
	report()
	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s for changes (Ctrl+C to stop)\n", path)
	return watchFile(ctx, path, cmd.ErrOrStderr(), func() {
		fmt.Fprintf(cmd.ErrOrStderr(), "\n[%s] File changed, re-running...\n", time.Now().Format("15:04:05"))
		report()
	})
}

// loadEngineConfig 读取引擎配置。未指定文件时使用默认配置并把日志降到 warn，
// 避免引擎启动日志淹没执行输出。
func loadEngineConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg, err := config.Parse(nil)
	if err != nil {
		return nil, err
	}
	cfg.Logging.Level = "warn"
	return cfg, nil
}

// executeFile 读取源文件并执行一次。
func executeFile(ctx context.Context, exec Executor, path string, runtime domain.Runtime, timeout float64) (domain.ExecutionResult, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	return exec.Execute(ctx, domain.FunctionSpec{
		Runtime:        runtime,
		Code:           string(code),
		TimeoutSeconds: timeout,
	}), nil
}

// watchFile 监听 path 的写入与重建事件，去抖后调用 onChange，直到 ctx 结束。
// 监听所在目录而不是文件本身，编辑器以重命名方式保存时也能收到事件。
func watchFile(ctx context.Context, path string, errOut io.Writer, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			onChange()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(errOut, "Watcher error: %v\n", err)
		}
	}
}
