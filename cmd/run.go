package cmd

import (
	"github.com/brambleworks/bramble/bridge"
	"github.com/brambleworks/bramble/core"
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a bramble node",
	Long:  `This will run a bramble node on the current host, attached to the radio modem named in the node config.`,
	Run: func(cmd *cobra.Command, args []string) {
		err := core.Bootstrap(configPath, logPath, verbose, &bridge.Uplink{})
		if err != nil {
			panic(err)
		}
	},
	GroupID: "br",
}

func init() {
	rootCmd.AddCommand(runCmd)
}
