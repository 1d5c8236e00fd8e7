package main

import (
	"os"

	"github.com/dragenflow/dragenflow/cmd/dragenflow/cmd"
	"github.com/dragenflow/dragenflow/internal/common"
)

func main() {
	common.ConfigureCommandLineLogging()
	root := cmd.RootCmd()
	common.BindCommandlineArguments(root.PersistentFlags())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
