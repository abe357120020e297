package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"L402-Agent/internal/config"
	storage "L402-Agent/internal/storage/mysql"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "对配置为 mysql 的任务存储与支付账本执行数据库迁移",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		targets := mysqlTargets(cfg)
		if len(targets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No MySQL storage configured.")
			return nil
		}
		for _, target := range targets {
			name, c := target.name, target.store
			if dryRun {
				pending, err := storage.PendingMigrations(cmd.Context(), storageConfig(c))
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pending %v\n", name, len(pending), pending)
				continue
			}
			db, err := storage.Open(cmd.Context(), storageConfig(c))
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			_ = db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s: up to date\n", name)
		}
		return nil
	},
}

type migrateTarget struct {
	name  string
	store config.TaskStoreConfig
}

// mysqlTargets 返回使用 mysql 驱动的存储，DSN 相同的只保留一个。
func mysqlTargets(cfg *config.Config) []migrateTarget {
	var targets []migrateTarget
	if cfg.Storage.TaskStore.Driver == "mysql" {
		targets = append(targets, migrateTarget{"task_store", cfg.Storage.TaskStore})
	}
	if cfg.Storage.Ledger.Driver == "mysql" &&
		(len(targets) == 0 || targets[0].store.DSN != cfg.Storage.Ledger.DSN) {
		targets = append(targets, migrateTarget{"payment_ledger", cfg.Storage.Ledger})
	}
	return targets
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().Bool("dry-run", false, "只列出尚未应用的迁移")
}
