package cli

import (
	"github.com/spf13/cobra"
)

var (
	simulateMethod string
	simulateFailed bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次链上变更并发送通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), simulateMethod, simulateFailed)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateMethod, "method", "purchaseEnergy", "模拟的合约方法")
	simulateCmd.Flags().BoolVar(&simulateFailed, "failed", false, "模拟失败结果")
}
