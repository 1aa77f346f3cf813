package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

// configPath is the --config flag; empty falls back to $MAILSCHED_CONFIG.
var configPath string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mailsched",
		Short:         "Polling scheduler that sends emails listed in a task sheet exactly once",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $MAILSCHED_CONFIG)")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newAttemptsCmd())
	root.AddCommand(newUnblockCmd())
	root.AddCommand(newMigrateCmd())

	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
