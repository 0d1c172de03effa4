package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kvasir-db/kvasir/cmd/kv"
	"github.com/kvasir-db/kvasir/cmd/lock"
	"github.com/kvasir-db/kvasir/cmd/serve"
)

const (
	Version = "0.3.1"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "kvasir",
		Short: "cloud-native key-value store",
		Long: fmt.Sprintf(`kvasir (v%s)

A sharded in-memory key-value store with write-ahead logging,
periodic snapshots and a binary wire protocol over TCP.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kvasir",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kvasir v%s\n", Version)
		},
	}
)

func init() {
	serve.Version = Version

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
