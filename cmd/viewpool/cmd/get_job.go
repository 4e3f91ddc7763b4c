package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssufhbfndk/yt-view-backend/internal/viewpool"
)

func getJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "getJob <jobId>",
		Short: "Prints the current state of a job",
		Args:  cobra.ExactArgs(1),
		RunE:  getJob,
	}
	return cmd
}

func getJob(cmd *cobra.Command, args []string) error {
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

	job, err := repo.GetJob(ctx, args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 1, 1, 1, ' ', 0)
	fmt.Fprintf(w, "Job id:\t%s\n", job.JobId)
	fmt.Fprintf(w, "Reference:\t%s\n", job.TargetReference)
	fmt.Fprintf(w, "Group:\t%s\n", job.GroupKey)
	fmt.Fprintf(w, "State:\t%s\n", job.State)
	if job.RejectReason != "" {
		fmt.Fprintf(w, "Reason:\t%s\n", job.RejectReason)
	}
	fmt.Fprintf(w, "Classification:\t%s\n", job.Classification)
	fmt.Fprintf(w, "Requested:\t%d\n", job.RequestedCount)
	fmt.Fprintf(w, "Remaining:\t%d\n", job.Remaining)
	if job.CooldownUntil != nil {
		fmt.Fprintf(w, "Cooldown until:\t%s\n", job.CooldownUntil.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Created:\t%s\n", job.Created.UTC().Format(time.RFC3339))
	return w.Flush()
}
