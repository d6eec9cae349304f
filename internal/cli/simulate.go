package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"trade-alerts/internal/alert"
	"trade-alerts/internal/app"
)

var (
	simulateInstrument string
	simulatePattern    string
	simulateDirection  string
	simulatePrice      float64
	simulateEntryMin   float64
	simulateEntryMax   float64
	simulateStop       float64
	simulateTarget     float64
	simulateConfidence float64
	simulateTimeout    time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次交易机会并触发投递",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePrice <= 0 || simulateEntryMin <= 0 || simulateEntryMax <= 0 || simulateStop <= 0 || simulateTarget <= 0 {
			return errors.New("--price、--entry-min、--entry-max、--stop 与 --target 必须大于 0")
		}
		dir := alert.Direction(strings.ToUpper(simulateDirection))
		if dir != alert.Long && dir != alert.Short {
			return fmt.Errorf("--direction must be LONG or SHORT, got %q", simulateDirection)
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Instrument: simulateInstrument,
			Pattern:    alert.Pattern(strings.ToUpper(simulatePattern)),
			Direction:  dir,
			Price:      simulatePrice,
			EntryMin:   simulateEntryMin,
			EntryMax:   simulateEntryMax,
			Stop:       simulateStop,
			Target:     simulateTarget,
			Confidence: simulateConfidence,
			Timeout:    simulateTimeout,
		})
	},
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simulateInstrument, "instrument", "WINZ25", "Instrument symbol")
	f.StringVar(&simulatePattern, "pattern", string(alert.PatternVolatilityExtreme), "Pattern name")
	f.StringVar(&simulateDirection, "direction", string(alert.Long), "LONG or SHORT")
	f.Float64Var(&simulatePrice, "price", 0, "Last price")
	f.Float64Var(&simulateEntryMin, "entry-min", 0, "Entry band lower edge")
	f.Float64Var(&simulateEntryMax, "entry-max", 0, "Entry band upper edge")
	f.Float64Var(&simulateStop, "stop", 0, "Stop loss")
	f.Float64Var(&simulateTarget, "target", 0, "Take profit")
	f.Float64Var(&simulateConfidence, "confidence", 0.75, "Confidence in [0,1]")
	f.DurationVar(&simulateTimeout, "timeout", 30*time.Second, "Maximum wait for delivery")
}
