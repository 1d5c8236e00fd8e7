package common

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dragenflow/dragenflow/internal/common/logging"
)

// BindCommandlineArguments makes flags readable through the global viper instance.
func BindCommandlineArguments(flags *pflag.FlagSet) {
	if err := viper.BindPFlags(flags); err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

// ConfigureCommandLineLogging prints bare messages to stdout, for commands whose output is read by people.
func ConfigureCommandLineLogging() {
	log.SetFormatter(&logging.CommandLineFormatter{})
	log.SetOutput(os.Stdout)
}
