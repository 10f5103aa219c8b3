package cli

import (
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/villenero912/waifugen-system-sub000/internal/app"
)

// ForceTierCmd pins a persona to a tier with an audit trail entry.
func ForceTierCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "force-tier",
		Short: "Override a persona's tier (audited)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			persona, _ := cmd.Flags().GetString("persona")
			tier, _ := cmd.Flags().GetInt("tier")
			reason, _ := cmd.Flags().GetString("reason")
			if persona == "" {
				return errors.New("--persona is required")
			}
			if reason == "" {
				return errors.New("--reason is required")
			}

			tr, err := app.ForceTier(cmd.Context(), configPath(cmd), persona, tier, actor(), reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: tier %d -> %d\n", tr.Persona, tr.OldTier, tr.NewTier)
			return nil
		},
	}
	cmd.Flags().String("persona", "", "persona id")
	cmd.Flags().Int("tier", 0, "target tier index")
	cmd.Flags().String("reason", "", "why the override is needed")
	return cmd
}

func actor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "operator"
}
