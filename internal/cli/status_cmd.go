package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/villenero912/waifugen-system-sub000/internal/app"
)

// StatusCmd reports pool balances and persona tiers from the durable store.
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pool balances and persona tiers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := app.Status(cmd.Context(), configPath(cmd))
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "POOL\tDAILY LEFT\tMONTHLY LEFT\tROLLOVER\tHELD\tLEVEL")
			for _, p := range report.Pools {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
					p.Pool, p.DailyRemaining, p.MonthlyRemaining, p.Rollover, p.Held, p.Level)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "PERSONA\tTIER\tENTERED\tMILESTONE SEEN")
			for _, p := range report.Personas {
				entered := "-"
				if !p.TierEnteredAt.IsZero() {
					entered = p.TierEnteredAt.Format("2006-01-02")
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\n",
					p.Persona, p.CurrentTier, entered, p.MilestoneSnapshot)
			}
			fmt.Fprintln(w)
			fmt.Fprintf(w, "active sequences:\t%d\n", report.ActiveSequences)
			return w.Flush()
		},
	}
}
