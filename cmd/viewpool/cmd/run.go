package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs viewpool",
		RunE:  runViewpool,
	}
	return cmd
}

func runViewpool(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return viewpool.Run(config)
}
