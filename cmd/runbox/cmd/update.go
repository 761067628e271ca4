package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/runbox/internal/domain"
)

// updateCmd 部分更新函数，只发送显式设置的字段。
var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a function",
	Long: `Update selected fields of a function. Unset flags keep their current value.

Examples:
  runbox update 1 --file handler.py
  runbox update 1 --route /v2/hello --timeout 5`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

var (
	updateName    string
	updateRuntime string
	updateRoute   string
	updateFile    string
	updateTimeout float64
)

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().StringVar(&updateName, "name", "", "新名称")
	updateCmd.Flags().StringVarP(&updateRuntime, "runtime", "r", "", "新运行时")
	updateCmd.Flags().StringVar(&updateRoute, "route", "", "新路由")
	updateCmd.Flags().StringVarP(&updateFile, "file", "f", "", "新源码文件")
	updateCmd.Flags().Float64Var(&updateTimeout, "timeout", 0, "新超时（秒）")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	req := &domain.UpdateFunctionRequest{}
	flags := cmd.Flags()
	if flags.Changed("name") {
		req.Name = &updateName
	}
	if flags.Changed("runtime") {
		rt, err := resolveRuntime(updateRuntime, "")
		if err != nil {
			return err
		}
		req.Runtime = &rt
	}
	if flags.Changed("route") {
		req.Route = &updateRoute
	}
	if flags.Changed("file") {
		data, err := os.ReadFile(updateFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", updateFile, err)
		}
		code := string(data)
		req.Code = &code
	}
	if flags.Changed("timeout") {
		req.Timeout = &updateTimeout
	}
	if *req == (domain.UpdateFunctionRequest{}) {
		return fmt.Errorf("nothing to update")
	}

	fn, err := NewClient().UpdateFunction(commandContext(cmd), id, req)
	if err != nil {
		return err
	}
	cmd.Printf("Function %q updated\n", fn.Name)
	return nil
}
