package main

import (
	"github.com/spf13/cobra"

	"github.com/SanjoDeundiak/proclaunch/pkg/lib/testhelper"
)

func newHelperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:                "helper <mode> [args...]",
		Short:              "Run the built-in helper program (exit-code, echo, sleep, upper, env, pwd, spawn-sleep)",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := testhelper.Run(args, cmd.InOrStdin(), cmd.OutOrStdout())
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	return cmd
}
