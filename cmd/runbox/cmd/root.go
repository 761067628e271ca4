// Package cmd 包含 runbox CLI 的所有命令实现。
// 使用 cobra 构建命令行接口，使用 viper 合并标志、环境变量与配置文件。
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// 全局命令行标志
var (
	cfgFile   string
	apiURL    string
	apiKey    string
	apiToken  string
	outputFmt string
)

var rootCmd = &cobra.Command{
	Use:   "runbox",
	Short: "runbox - sandboxed function execution CLI",
	Long: `runbox 用于管理 runbox 网关上的函数，并可在本机隔离执行代码。

使用示例:
  # 注册函数
  runbox create hello --runtime python --route /hello --file handler.py

  # 列出函数
  runbox list

  # 执行函数
  runbox exec 1

  # 不经网关直接执行本地文件，修改后自动重跑
  runbox run handler.py --watch`,
	SilenceUsage: true,
}

// Execute 执行根命令，由 main 包调用。收到 SIGINT/SIGTERM 时取消命令上下文。
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// commandContext 返回命令的上下文，未通过 ExecuteContext 启动时回退到 Background。
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认为 $HOME/.runbox.yaml）")
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "u", "http://localhost:8080", "网关地址")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API Key，通过 X-API-Key 请求头发送")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "JWT 访问令牌")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")

	_ = viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("api_key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

// initConfig 按 标志 > 环境变量 > 配置文件 的优先级加载配置。
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".runbox")
	}

	// 环境变量格式：RUNBOX_<KEY>，如 RUNBOX_API_URL
	viper.SetEnvPrefix("RUNBOX")
	viper.AutomaticEnv()

	// 配置文件不存在不是错误
	_ = viper.ReadInConfig()
}
