package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// loginCmd 用 API Key 换取 JWT。令牌打印到标准输出，便于写入 RUNBOX_TOKEN。
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Exchange an API key for an access token",
	Long: `Exchange an API key for a short-lived JWT access token.

Examples:
  export RUNBOX_TOKEN=$(runbox login --api-key rb_xxx)`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

func init() {
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	key := viper.GetString("api_key")
	if key == "" {
		return fmt.Errorf("an API key is required (--api-key or RUNBOX_API_KEY)")
	}
	resp, err := NewClient().IssueToken(commandContext(cmd), key)
	if err != nil {
		return err
	}

	p := NewPrinter(cmd.OutOrStdout())
	return p.print(resp, func() error {
		fmt.Fprintln(p.writer, resp.Token)
		fmt.Fprintf(cmd.ErrOrStderr(), "Token expires at %s\n", resp.ExpiresAt.Local().Format(time.RFC3339))
		return nil
	})
}
