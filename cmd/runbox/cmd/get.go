package cmd

import (
	"github.com/spf13/cobra"
)

// getCmd 获取单个函数的详细信息，默认不显示源码。
var getCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get function details",
	Long: `Get detailed information about a function.

Examples:
  runbox get 1
  runbox get 1 --code
  runbox get 1 -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

var getShowCode bool

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().BoolVar(&getShowCode, "code", false, "显示函数源码")
}

func runGet(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	fn, err := NewClient().GetFunction(commandContext(cmd), id)
	if err != nil {
		return err
	}
	if !getShowCode {
		fn.Code = ""
	}
	return NewPrinter(cmd.OutOrStdout()).PrintFunction(fn)
}
