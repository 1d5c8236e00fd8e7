package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	commonconfig "github.com/dragenflow/dragenflow/internal/common/config"
	"github.com/dragenflow/dragenflow/internal/dragenflow/configuration"
	"github.com/dragenflow/dragenflow/internal/dragenflowctl"
)

const (
	CustomConfigLocation = "config"
	ServerUrl            = "url"
	RequestTimeout       = "timeout"
	defaultConfigPath    = "./config/dragenflow"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dragenflow",
		SilenceUsage: true,
		Short:        "dragenflow runs DRAGEN sequencing pipelines on a batch scheduler.",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.PersistentFlags().String(ServerUrl, "http://localhost:8080", "Url of the dragenflow server")
	cmd.PersistentFlags().Duration(RequestTimeout, 30*time.Second, "Timeout for each request to the server")

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		createCmd(dragenflowctl.New()),
		getCmd(dragenflowctl.New()),
		startCmd(dragenflowctl.New()),
		cancelCmd(dragenflowctl.New()),
		approveCmd(dragenflowctl.New()),
		rejectCmd(dragenflowctl.New()),
		partitionsCmd(dragenflowctl.New()),
		queueCmd(dragenflowctl.New()),
		submissionsCmd(dragenflowctl.New()),
	)

	return cmd
}

// initParams reads the server connection flags into the client app.
func initParams(cmd *cobra.Command, params *dragenflowctl.Params) error {
	url, err := cmd.Flags().GetString(ServerUrl)
	if err != nil {
		return err
	}
	timeout, err := cmd.Flags().GetDuration(RequestTimeout)
	if err != nil {
		return err
	}
	params.Url = url
	params.Timeout = timeout
	return nil
}

func loadConfig() (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	if _, err := commonconfig.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}

	err := config.Validate()
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
