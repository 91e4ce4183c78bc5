// Package main 是终端客户端：直接连接推理后端，以访客身份提问。
package main

import (
	"os"

	"ruleout-go/pkg/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("命令执行失败: %v", err)
		os.Exit(1)
	}
}
