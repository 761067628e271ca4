// Package main 是 runbox 命令行工具的入口点。
// runbox 用于管理网关上注册的函数，也可以不经网关直接在本机执行代码。
package main

import (
	"os"

	"github.com/oriys/runbox/cmd/runbox/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
