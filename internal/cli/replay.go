package cli

import (
	"time"

	"github.com/spf13/cobra"

	"trade-alerts/internal/app"
)

var (
	replayCSV   string
	replayDrain time.Duration
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "回放历史 K 线，走完整的检测、投递与审计流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			CSVPath: replayCSV,
			Drain:   replayDrain,
		})
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayCSV, "csv", "", "CSV file with instrument,timestamp,open,high,low,close,volume rows")
	replayCmd.Flags().DurationVar(&replayDrain, "drain", time.Minute, "Maximum wait for queued deliveries after the last candle")
	_ = replayCmd.MarkFlagRequired("csv")
}
