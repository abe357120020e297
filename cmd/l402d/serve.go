package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"L402-Agent/internal/api"
	"L402-Agent/internal/observability/metrics"
	"L402-Agent/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动 HTTP API 与异步任务处理器",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Address = addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := build(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		workerCtx, cancelWorkers := context.WithCancel(ctx)
		defer cancelWorkers()

		go func() {
			if err := rt.processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("任务处理器异常退出", slog.String("error", err.Error()))
			}
		}()

		// 指标地址与 API 地址不同时单独启动指标服务。
		inline := cfg.Metrics.Enabled && (cfg.Metrics.Address == "" || cfg.Metrics.Address == cfg.Server.Address)
		if cfg.Metrics.Enabled && !inline {
			go func() {
				if err := metrics.StartServer(workerCtx, cfg.Metrics.Address, cfg.Metrics.Path); err != nil {
					logger.L().Error("指标服务异常退出", slog.String("error", err.Error()))
				}
			}()
		}

		logger.L().Info("l402d started",
			slog.String("address", cfg.Server.Address),
			slog.String("mode", cfg.Router.Mode),
			slog.String("task_queue", cfg.TaskQueue.Driver),
			slog.String("task_store", cfg.Storage.TaskStore.Driver),
			slog.String("ledger", cfg.Storage.Ledger.Driver))

		server := api.NewServer(cfg.Server.Address,
			api.WithAsker(rt.assistant),
			api.WithTaskService(rt.tasks),
			api.WithPaymentLedger(rt.ledger),
			api.WithMetricsEndpoint(inline),
		)
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "覆盖配置中的监听地址")
}
