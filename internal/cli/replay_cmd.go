package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/villenero912/waifugen-system-sub000/internal/app"
)

// ReplayCmd dry-runs one tick at a given instant against a copy of the
// durable state. Nothing is committed and nothing is delivered.
func ReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Dry-run one tick at a given instant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			atRaw, _ := cmd.Flags().GetString("at")
			at := time.Now()
			if atRaw != "" {
				var err error
				at, err = time.Parse(time.RFC3339, atRaw)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
			}

			report, err := app.Replay(cmd.Context(), configPath(cmd), at)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "tick at %s\n", at.Format(time.RFC3339))
			fmt.Fprintf(w, "slots due:\t%d\n", report.Stats.SlotsDue)
			fmt.Fprintf(w, "produced:\t%d\n", report.Stats.Produced)
			fmt.Fprintf(w, "gaps:\t%d\n", report.Stats.Gaps)
			fmt.Fprintf(w, "tier transitions:\t%d\n", report.Stats.Transitions)
			fmt.Fprintf(w, "outreach dispatched:\t%d\n", report.Stats.Dispatched)
			fmt.Fprintf(w, "errors:\t%d\n", report.Stats.Errors)
			if len(report.Requests) > 0 {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "SLOT\tPERSONA\tTIER\tCHANNEL")
				for _, r := range report.Requests {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.SlotID, r.Persona, r.Tier, r.Channel)
				}
			}
			if len(report.Pools) > 0 {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "POOL\tDAILY LEFT AFTER\tMONTHLY LEFT AFTER")
				for _, p := range report.Pools {
					fmt.Fprintf(w, "%s\t%d\t%d\n", p.Pool, p.DailyRemaining, p.MonthlyRemaining)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("at", "", "tick instant, RFC3339 (default now)")
	return cmd
}
