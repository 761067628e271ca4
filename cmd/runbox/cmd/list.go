package cmd

import (
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered functions",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

var (
	listOffset int
	listLimit  int
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "跳过的函数数量")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "最多返回的函数数量，0 表示使用网关默认值")
}

func runList(cmd *cobra.Command, args []string) error {
	resp, err := NewClient().ListFunctions(commandContext(cmd), listOffset, listLimit)
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintFunctions(resp.Functions, resp.Total)
}
