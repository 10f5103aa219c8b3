package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/villenero912/waifugen-system-sub000/internal/config"
)

// CheckConfigCmd parses and validates the config file without touching
// storage or the network.
func CheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewManager(configPath(cmd)).Parse()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d pools, %d personas, %d tiers, %d slots, %d sequences\n",
				len(cfg.Pools), len(cfg.Personas), len(cfg.Tiers), len(cfg.Slots), len(cfg.Sequences))
			return nil
		},
	}
}
