package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oriys/runbox/internal/domain"
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Register a new function",
	Long: `Register a new function on the gateway.

Examples:
  # Python function served on /hello
  runbox create hello --route /hello --file handler.py

  # JavaScript function with a 10 second timeout
  runbox create greet --runtime javascript --route /greet --file index.js --timeout 10`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var (
	createRuntime string
	createRoute   string
	createFile    string
	createTimeout float64
)

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringVarP(&createRuntime, "runtime", "r", "", "运行时（python、javascript），默认按文件扩展名推断")
	createCmd.Flags().StringVar(&createRoute, "route", "", "函数的调用路由，如 /hello")
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "函数源码文件")
	createCmd.Flags().Float64Var(&createTimeout, "timeout", 0, "执行超时（秒），0 表示使用默认值")
	_ = createCmd.MarkFlagRequired("route")
	_ = createCmd.MarkFlagRequired("file")
}

func runCreate(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(createFile)
	if err != nil {
		return fmt.Errorf("read %s: %w", createFile, err)
	}
	runtime, err := resolveRuntime(createRuntime, createFile)
	if err != nil {
		return err
	}

	fn, err := NewClient().CreateFunction(commandContext(cmd), &domain.CreateFunctionRequest{
		Name:    args[0],
		Runtime: runtime,
		Code:    string(code),
		Route:   createRoute,
		Timeout: createTimeout,
	})
	if err != nil {
		return err
	}
	cmd.Printf("Function %q created (id %d)\n", fn.Name, fn.ID)
	return nil
}

// resolveRuntime 优先使用显式指定的运行时，否则按源文件扩展名推断。
func resolveRuntime(explicit, path string) (domain.Runtime, error) {
	if explicit != "" {
		rt := domain.Runtime(strings.ToLower(explicit))
		if !rt.IsValid() {
			return "", fmt.Errorf("unsupported runtime %q (want python or javascript)", explicit)
		}
		return rt, nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return domain.RuntimePython, nil
	case ".js", ".mjs", ".cjs":
		return domain.RuntimeJavaScript, nil
	}
	return "", fmt.Errorf("cannot infer runtime from %q, use --runtime", path)
}

// parseID 解析函数 ID 参数。
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid function id %q", s)
	}
	return id, nil
}
