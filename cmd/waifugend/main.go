package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/villenero912/waifugen-system-sub000/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "waifugend",
		Short: "Persona media orchestration daemon",
		Long: `waifugend schedules persona content production against budgeted
resource pools, advances personas through tier ladders as their audience
grows, and walks subscribers through outreach sequences.`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "./config.yaml", "path to config file")

	rootCmd.AddCommand(cli.RunCmd())
	rootCmd.AddCommand(cli.StatusCmd())
	rootCmd.AddCommand(cli.ForceTierCmd())
	rootCmd.AddCommand(cli.ReplayCmd())
	rootCmd.AddCommand(cli.CheckConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
