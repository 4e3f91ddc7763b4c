package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
	"k8s.io/utils/clock"

	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool"
	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool/model"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submits a batch of view jobs read from a yaml file",
		Long: `Submits a batch of view jobs. The file holds a yaml list of submissions, e.g.

- jobId: job-1
  targetReference: https://www.youtube.com/watch?v=dQw4w9WgXcQ
  requestedCount: 100
  durationHint: 3m30s`,
		RunE: submit,
	}
	cmd.Flags().StringP("file", "f", "", "Path to the yaml file holding the submissions")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
	return cmd
}

func submit(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("file")
	if err != nil {
		return errors.WithStack(err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	var submissions []model.Submission
	if err := yaml.UnmarshalStrict(content, &submissions); err != nil {
		return errors.WithMessagef(err, "could not parse %s", path)
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
	outcomes, err := components.Validator.Submit(ctx, submissions)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, outcome := range outcomes {
		fmt.Fprintf(out, "%s\t%s\t%s\n", outcome.JobId, outcome, outcome.State)
	}
	return nil
}
