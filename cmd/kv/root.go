package kv

import (
	"github.com/spf13/cobra"

	"github.com/kvasir-db/kvasir/cmd/util"
	"github.com/kvasir-db/kvasir/rpc/client"
)

var (
	rpcClient *client.Client

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:               "kv",
		Short:             "Perform key-value store operations",
		PersistentPreRunE: setupKVClient,
		PersistentPostRun: teardownKVClient,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitEnv)

	// Add common connection flags to the KV command
	util.SetupClientFlags(KeyValueCommands)

	// Add subcommands
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(setNXCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(existsCmd)
	KeyValueCommands.AddCommand(incrCmd)
	KeyValueCommands.AddCommand(decrCmd)
	KeyValueCommands.AddCommand(mgetCmd)
	KeyValueCommands.AddCommand(msetCmd)
	KeyValueCommands.AddCommand(mdelCmd)
	KeyValueCommands.AddCommand(pingCmd)
	KeyValueCommands.AddCommand(infoCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVClient connects to the configured server
func setupKVClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	c, err := util.DialClient()
	if err != nil {
		return err
	}
	rpcClient = c
	return nil
}

func teardownKVClient(_ *cobra.Command, _ []string) {
	if rpcClient != nil {
		_ = rpcClient.Close()
	}
}
