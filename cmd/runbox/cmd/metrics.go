package cmd

import (
	"github.com/spf13/cobra"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics <function-id>",
	Short: "List recent execution metrics of a function",
	Args:  cobra.ExactArgs(1),
	RunE:  runMetrics,
}

var statsCmd = &cobra.Command{
	Use:   "stats <function-id>",
	Short: "Show aggregate execution statistics of a function",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

var metricsLimit int

func init() {
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(statsCmd)
	metricsCmd.Flags().IntVar(&metricsLimit, "limit", 20, "最多显示的记录数")
}

func runMetrics(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	recs, err := NewClient().ListMetrics(commandContext(cmd), id, metricsLimit)
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintMetrics(recs)
}

func runStats(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	stats, err := NewClient().GetStats(commandContext(cmd), id)
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintStats(stats)
}
