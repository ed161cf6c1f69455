package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and job counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			health, err := cli.health(cmd.Context())
			if err != nil {
				return err
			}

			rows := [][]string{
				{"Daemon", statusLabel(health.Status)},
				{"Registry", statusLabel(health.Registry)},
				{"Workers", statusLabel(health.Workers)},
				{"Queue depth", strconv.Itoa(health.QueueDepth)},
				{"Free disk", humanize.IBytes(health.FreeBytes)},
			}
			for _, status := range []string{"queued", "processing", "uploading", "completed", "failed"} {
				rows = append(rows, []string{
					statusLabel(status) + " jobs",
					strconv.Itoa(health.Jobs[status]),
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Field", "Value"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
}

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon liveness, exiting non-zero when degraded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := ctx.apiClient()
			if err != nil {
				return err
			}
			health, err := cli.health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), health.Status)
			if health.Status != "ok" {
				return fmt.Errorf("daemon is %s", health.Status)
			}
			return nil
		},
	}
}
