package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/retention"
)

func pruneDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneDatabase",
		Short: "removes expired consumer history and elapsed origin rate counters",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the job will fail if it has not completed")
	cmd.Flags().Int(
		"batchsize",
		10000,
		"Number of rows that will be deleted in a single batch")
	return cmd
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	batchSize, err := cmd.Flags().GetInt("batchsize")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	repo, closeRepo, err := viewpool.OpenRepository(ctx, config, false)
	if err != nil {
		return errors.WithMessagef(err, "Failed to connect to database")
	}
	defer closeRepo()

	sweeper := retention.NewSweeper(
		repo, clock.RealClock{}, config.Retention.HistoryRetention, config.Allocation.RateWindow, batchSize, nil)
	return sweeper.Cycle(ctx)
}
