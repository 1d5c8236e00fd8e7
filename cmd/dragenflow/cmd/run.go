package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dragenflow/dragenflow/internal/common/logging"
	"github.com/dragenflow/dragenflow/internal/dragenflow"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the dragenflow server and poll loop",
		PreRun: func(_ *cobra.Command, _ []string) {
			logging.MustConfigureApplicationLogging()
		},
		RunE: runServer,
	}
	return cmd
}

func runServer(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return dragenflow.Run(config)
}
