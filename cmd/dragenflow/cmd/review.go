package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dragenflow/dragenflow/internal/dragenflowctl"
)

func approveCmd(a *dragenflowctl.App) *cobra.Command {
	return reviewCmd(a, "approve", "Approve a data review task so its machine moves on", a.ApproveReview)
}

func rejectCmd(a *dragenflowctl.App) *cobra.Command {
	return reviewCmd(a, "reject", "Reject a data review task, failing its machine", a.RejectReview)
}

func reviewCmd(a *dragenflowctl.App, use string, short string, decide func(taskId, reviewer, comment string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <taskId>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Out = cmd.OutOrStdout()
			reviewer, err := cmd.Flags().GetString("reviewer")
			if err != nil {
				return err
			}
			comment, err := cmd.Flags().GetString("comment")
			if err != nil {
				return err
			}
			return decide(args[0], reviewer, comment)
		},
	}
	cmd.Flags().String("reviewer", "", "Who made the decision")
	cmd.Flags().String("comment", "", "Reason for the decision")
	if err := cmd.MarkFlagRequired("reviewer"); err != nil {
		panic(err)
	}
	return cmd
}
