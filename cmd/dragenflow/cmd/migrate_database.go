package cmd

import (
	"github.com/spf13/cobra"

	"github.com/dragenflow/dragenflow/internal/common/flowcontext"
	"github.com/dragenflow/dragenflow/internal/dragenflow"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the postgres repository to the latest schema version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return dragenflow.MigrateDatabase(flowcontext.Background(), config.Repository)
}
