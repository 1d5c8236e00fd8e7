package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dragenflow/dragenflow/internal/dragenflowctl"
)

func createCmd(a *dragenflowctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a pipeline machine from a YAML request",
	}
	cmd.AddCommand(
		createRunCmd(a),
		createAggregationCmd(a),
	)
	return cmd
}

func createRunCmd(a *dragenflowctl.App) *cobra.Command {
	return createMachineCmd(a, "run", "Create a machine that demultiplexes and aligns a sequencing run", a.CreateRun)
}

func createAggregationCmd(a *dragenflowctl.App) *cobra.Command {
	return createMachineCmd(a, "aggregation", "Create a machine that aggregates, fingerprints, reviews and uploads a sample", a.CreateAggregation)
}

func createMachineCmd(a *dragenflowctl.App, use string, short string, create func(path, id string, start bool) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, a.Params)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.Out = cmd.OutOrStdout()
			path, err := cmd.Flags().GetString("file")
			if err != nil {
				return err
			}
			id, err := cmd.Flags().GetString("id")
			if err != nil {
				return err
			}
			start, err := cmd.Flags().GetBool("start")
			if err != nil {
				return err
			}
			return create(path, id, start)
		},
	}
	cmd.Flags().StringP("file", "f", "", "YAML file holding the request")
	cmd.Flags().String("id", "", "Machine id; a new one is generated when empty")
	cmd.Flags().Bool("start", false, "Start the machine straight away")
	if err := cmd.MarkFlagRequired("file"); err != nil {
		panic(err)
	}
	return cmd
}
