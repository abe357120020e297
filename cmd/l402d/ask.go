package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "回答一个问题并以 JSON 输出结果",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := build(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.Close()

		result := rt.assistant.Answer(ctx, strings.Join(args, " "))
		if plain, _ := cmd.Flags().GetBool("plain"); plain {
			fmt.Fprintln(cmd.OutOrStdout(), result.Answer)
			return nil
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		if result.Failure != nil {
			return fmt.Errorf("%s: %s", result.Failure.Code, result.Failure.Message)
		}
		return nil
	},
}

var paymentsCmd = &cobra.Command{
	Use:   "payments",
	Short: "列出支付账本中最近的付款尝试",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ledger, err := openLedger(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer ledger.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		attempts, err := ledger.List(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(attempts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No payments recorded.")
			return nil
		}
		for _, a := range attempts {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-9s  %6d sat  fee %d  %s%s  %s\n",
				a.CreatedAt.Format("2006-01-02 15:04:05"), a.Status, a.AmountSat, a.FeeSat, a.Host, a.Path, a.PaymentHash)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(paymentsCmd)
	askCmd.Flags().Bool("plain", false, "只输出回答文本")
	paymentsCmd.Flags().Int("limit", 20, "最多列出的条数")
}
