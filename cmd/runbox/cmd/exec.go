package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oriys/runbox/internal/api"
)

// errExecutionFailed 表示执行已完成但结果为 error，命令以非零状态退出。
var errExecutionFailed = errors.New("execution failed")

var execCmd = &cobra.Command{
	Use:   "exec [id]",
	Short: "Execute a registered function",
	Long: `Execute a registered function on the gateway, by id or by route.

Examples:
  runbox exec 1
  runbox exec --route /hello -o json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExec,
}

var execRoute string

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringVar(&execRoute, "route", "", "按路由执行，而非按 ID")
}

func runExec(cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (execRoute == "") {
		return fmt.Errorf("specify exactly one of <id> or --route")
	}

	client := NewClient()
	var (
		resp *api.ExecuteResponse
		err  error
	)
	if execRoute != "" {
		resp, err = client.ExecuteRoute(commandContext(cmd), execRoute)
	} else {
		var id int64
		if id, err = parseID(args[0]); err != nil {
			return err
		}
		resp, err = client.Execute(commandContext(cmd), id)
	}
	if err != nil {
		return err
	}

	if err := NewPrinter(cmd.OutOrStdout()).PrintResult(resp.ExecutionID, resp.ExecutionResult); err != nil {
		return err
	}
	if !resp.Succeeded() {
		return errExecutionFailed
	}
	return nil
}
