package cli

import (
	"github.com/spf13/cobra"

	"trade-alerts/internal/app"
)

var (
	statsFrom string
	statsTo   string
	statsJSON bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise delivery and dedup statistics from the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.StatsOptions{JSON: statsJSON}
		var err error
		if opts.From, err = parseTimeFlag("from", statsFrom); err != nil {
			return err
		}
		if opts.To, err = parseTimeFlag("to", statsTo); err != nil {
			return err
		}
		return getApp().Stats(cmd.Context(), opts)
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	statsCmd.Flags().StringVar(&statsTo, "to", "", "End timestamp (RFC3339, exclusive)")
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print JSON instead of text")
}
