package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"L402-Agent/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "l402d",
	Short: "l402d 是一个可以查询闪电节点并为 L402 付费 API 付款的问答服务",
	Long: `l402d 将自然语言问题路由到闪电节点工具、付费 API 调用链或静态回答。
配置文件路径可通过 --config 或 L402_CONFIG 指定。`,
	SilenceUsage: true,
}

// Execute 执行根命令，失败时以非零状态退出。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	defaultPath := os.Getenv(config.EnvConfigPath)
	if defaultPath == "" {
		defaultPath = filepath.Join("configs", "l402.json")
	}
	rootCmd.PersistentFlags().String("config", defaultPath, "配置文件路径")
}

// loadConfig 读取 --config 指向的配置文件，文件不存在时只使用环境变量与默认值。
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if !cmd.Flags().Changed("config") && os.IsNotExist(err) {
				path = ""
			} else {
				return nil, fmt.Errorf("配置文件不可用: %w", err)
			}
		}
	}
	return config.Load(path)
}
