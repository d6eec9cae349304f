package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/app"
)

var (
	showLimit      int
	showInstrument string
	showStatus     string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent audited alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		status := alert.Status(showStatus)
		if status != "" && !status.Known() {
			return fmt.Errorf("unknown --status %q", showStatus)
		}

		return getApp().Show(cmd.Context(), app.ShowOptions{
			Limit:      showLimit,
			Instrument: showInstrument,
			Status:     status,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().StringVar(&showInstrument, "instrument", "", "Only alerts for this instrument")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Only alerts whose latest status matches")
}
