package cmd

import (
	"fmt"

	"github.com/brambleworks/bramble/core"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect <socket>",
	Aliases: []string{"i"},
	Short:   "Inspects the current state of a running node",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			fmt.Println("Usage: bramble inspect <socket>")
			return
		}
		result, err := core.IPCGet(args[0], "inspect")
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		fmt.Print(result)
	},
	GroupID: "br",
}

var statusCmd = &cobra.Command{
	Use:   "status <socket>",
	Short: "Prints a short status summary of a running node",
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) != 1 {
			fmt.Println("Usage: bramble status <socket>")
			return
		}
		result, err := core.IPCGet(args[0], "status")
		if err != nil {
			fmt.Println("Error:", err.Error())
			return
		}
		fmt.Print(result)
	},
	GroupID: "br",
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(statusCmd)
}
