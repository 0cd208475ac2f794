package main

import (
	"os"

	"github.com/charmbracelet/log"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "stackwizard",
	})

	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
