package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dragenflow/dragenflow/internal/dragenflowctl"
)

func getCmd(a *dragenflowctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show machines",
	}
	cmd.AddCommand(
		getMachineCmd(a),
		getMachinesCmd(a),
	)
	return cmd
}

func getMachineCmd(a *dragenflowctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "machine <id>",
		Short: "Show a machine and its tasks",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Out = cmd.OutOrStdout()
			return a.GetMachine(args[0])
		},
	}
}

func getMachinesCmd(a *dragenflowctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machines",
		Short: "List machines",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Out = cmd.OutOrStdout()
			status, err := cmd.Flags().GetString("status")
			if err != nil {
				return err
			}
			return a.GetMachines(status)
		},
	}
	cmd.Flags().String("status", "", "Only list machines in this status, e.g. RUNNING")
	return cmd
}

func startCmd(a *dragenflowctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a machine that has not started yet",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Out = cmd.OutOrStdout()
			return a.StartMachine(args[0])
		},
	}
}

func cancelCmd(a *dragenflowctl.App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a machine and its outstanding scheduler jobs",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Out = cmd.OutOrStdout()
			return a.CancelMachine(args[0])
		},
	}
}
