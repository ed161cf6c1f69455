package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"soundpress/internal/api"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var opts submitOptions

	cmd := &cobra.Command{
		Use:   "submit <file>",
		Short: "Submit a media file for conversion and delivery",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.OutputURL == "" {
				return fmt.Errorf("--output-url is required")
			}
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			job, err := cli.submit(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s\n", job.JobID, job.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.JobID, "job-id", "", "Explicit job identifier for idempotent resubmission")
	cmd.Flags().StringVar(&opts.OutputURL, "output-url", "", "Destination URL for the converted artifact")
	cmd.Flags().StringVar(&opts.OutputToken, "output-token", "", "Bearer token for the destination")
	cmd.Flags().StringVar(&opts.CallbackURL, "callback-url", "", "Webhook URL for terminal status")
	cmd.Flags().StringVar(&opts.CallbackToken, "callback-token", "", "Bearer token for the webhook")

	return cmd
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job's status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			job, err := cli.job(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"},
				jobRows(job),
				[]columnAlignment{alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func jobRows(job *api.JobResponse) [][]string {
	rows := [][]string{
		{"Job", job.JobID},
		{"Status", statusLabel(job.Status)},
		{"Created", formatTimestamp(&job.CreatedAt)},
		{"Started", formatTimestamp(job.StartedAt)},
		{"Completed", formatTimestamp(job.CompletedAt)},
	}
	if job.Error != "" {
		rows = append(rows, []string{"Error", job.Error})
	}
	return rows
}

func formatTimestamp(ts *time.Time) string {
	if ts == nil || ts.IsZero() {
		return "-"
	}
	local := ts.Local()
	return fmt.Sprintf("%s (%s)", local.Format("2006-01-02 15:04:05"), humanize.Time(local))
}
