package main

import (
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
)

const logLevelEnv = "PRN_LOG_LEVEL"

func NewRootCmd() *cobra.Command {
	logLevel := os.Getenv(logLevelEnv)
	if logLevel == "" {
		logLevel = "warn"
	}

	root := &cobra.Command{
		Use:           "prn",
		Short:         "Launch and supervise child processes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return log.SetLevel(logLevel)
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "Log level (trace, debug, info, warn, error); defaults to $"+logLevelEnv)

	root.AddCommand(newRunCmd())
	root.AddCommand(newGroupCmd())
	root.AddCommand(newHelperCmd())

	return root
}
