package main

import (
	"os"

	"github.com/BearBump/FixDispatch/config"
)

func main() {
	// до newRootCmd: дефолт --config берётся из configPath
	config.LoadDotEnv()

	if err := newRootCmd(defaultBackendFactory).Execute(); err != nil {
		os.Exit(1)
	}
}
