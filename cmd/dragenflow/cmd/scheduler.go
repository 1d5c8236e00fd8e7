package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dragenflow/dragenflow/internal/dragenflowctl"
)

func partitionsCmd(a *dragenflowctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "List the scheduler partitions",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Out = cmd.OutOrStdout()
			return a.Partitions()
		},
	}
}

func queueCmd(a *dragenflowctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued and running scheduler jobs",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Out = cmd.OutOrStdout()
			return a.Queue()
		},
	}
}

func submissionsCmd(a *dragenflowctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "Turn submission of new scheduler jobs on or off",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Out = cmd.OutOrStdout()
			enabled, err := cmd.Flags().GetBool("enabled")
			if err != nil {
				return err
			}
			return a.SetSubmissions(enabled)
		},
	}
	cmd.Flags().Bool("enabled", true, "Whether jobs may be submitted")
	return cmd
}
