package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/brambleworks/bramble/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var newCmd = &cobra.Command{
	Use:   "new [node-id]",
	Short: "Create a node configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			_ = cmd.Usage()
			return
		}
		id, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil || state.NodeId(id) == state.Broadcast {
			fmt.Printf("Invalid node id: %s\n", args[0])
			os.Exit(-1)
		}

		nodeCfg := state.NodeCfg{
			Id:        state.NodeId(id),
			RadioPort: cmd.Flag("radio").Value.String(),
			Profile:   cmd.Flag("profile").Value.String(),
			CtlSocket: fmt.Sprintf("/tmp/bramble-n%d.sock", id),
		}
		err = state.NodeConfigValidator(&nodeCfg)
		if err != nil {
			fmt.Println("Error:", err.Error())
			os.Exit(-1)
		}

		ncfg, err := yaml.Marshal(&nodeCfg)
		if err != nil {
			panic(err)
		}

		outPath := cmd.Flag("output").Value.String()
		err = os.WriteFile(outPath, ncfg, 0700)
		if err != nil {
			panic(err)
		}
		fmt.Printf("Wrote %s\n", outPath)
	},
	GroupID: "init",
}

func init() {
	newCmd.Flags().StringP("output", "o", "node.yaml", "output path for the node config")
	newCmd.Flags().StringP("radio", "r", "/dev/ttyUSB0", "serial device of the radio modem")
	newCmd.Flags().StringP("profile", "p", "balanced", "transport profile (balanced, low-bandwidth, high-reliability, best-effort)")
	rootCmd.AddCommand(newCmd)
}
