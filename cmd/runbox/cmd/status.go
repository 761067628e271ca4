package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway readiness and container backend availability",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := NewClient().Ready(commandContext(cmd))
	if err != nil {
		return err
	}

	p := NewPrinter(cmd.OutOrStdout())
	return p.print(status, func() error {
		fmt.Fprintf(p.writer, "Gateway:    %s\n", status.Status)
		backend := status.ContainerBackend
		if backend == nil {
			return nil
		}
		state := "available"
		if !backend.Available {
			state = "unavailable"
		}
		fmt.Fprintf(p.writer, "Containers: %s\n", state)
		if backend.Reason != "" {
			fmt.Fprintf(p.writer, "Reason:     %s\n", backend.Reason)
		}
		if backend.ProbedAt != "" {
			fmt.Fprintf(p.writer, "Probed at:  %s\n", backend.ProbedAt)
		}
		return nil
	})
}
