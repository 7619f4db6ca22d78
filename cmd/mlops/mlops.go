package main

import (
	"os"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/deepliif/mlops/internal/cli"
)

func main() {
	logLevelStr := strings.ToUpper(os.Getenv("LOG_LEVEL"))
	logLevel := log.DebugLevel
	if logLevelStr == "INFO" {
		logLevel = log.InfoLevel
	} else if logLevelStr == "WARN" {
		logLevel = log.WarnLevel
	} else if logLevelStr == "ERROR" {
		logLevel = log.ErrorLevel
	}

	log.SetLevel(logLevel)
	log.SetReportTimestamp(true)
	log.SetReportCaller(true)

	rootCmd := cli.NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
