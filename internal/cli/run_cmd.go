// Package cli holds the cobra command constructors for waifugend.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/villenero912/waifugen-system-sub000/internal/app"
)

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString("config")
	return path
}

// RunCmd returns the daemon command.
func RunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(configPath(cmd))
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}
