package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"

	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool"
)

func allocateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocates one job to a consumer",
		RunE:  allocate,
	}
	cmd.Flags().String("consumer", "", "Id of the consumer requesting work")
	cmd.Flags().String("origin", "", "Id of the channel the request arrives through")
	for _, flag := range []string{"consumer", "origin"} {
		if err := cmd.MarkFlagRequired(flag); err != nil {
			panic(err)
		}
	}
	return cmd
}

func allocate(cmd *cobra.Command, _ []string) error {
	consumerId, err := cmd.Flags().GetString("consumer")
	if err != nil {
		return errors.WithStack(err)
	}
	originId, err := cmd.Flags().GetString("origin")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	repo, closeRepo, err := viewpool.OpenRepository(ctx, config, false)
	if err != nil {
		return err
	}
	defer closeRepo()

	components := viewpool.NewComponents(config, repo, clock.RealClock{})
	snapshot, ok, err := components.Allocator.Allocate(ctx, consumerId, originId)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "none available")
		return nil
	}
	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
	return nil
}
