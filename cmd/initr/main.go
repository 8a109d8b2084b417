// Command initr is a process supervisor and init system for containers:
// it starts declared services in dependency order, keeps them alive per
// policy, reaps every child as PID 1, and shuts down cleanly on SIGTERM.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	initr "github.com/loykin/initr"
)

var version = "dev"

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(initr.ExitInternalError)
	}
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "initr",
		Short:         "initr is a container init and service supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newSignalCmd())
	root.AddCommand(newShutdownCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the initr version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("initr " + version)
		},
	}
}
