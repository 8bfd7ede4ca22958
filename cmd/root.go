package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logPath    string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bramble",
	Short: "Bramble field mesh CLI",
	Long: `Bramble runs a self-organizing radio mesh for battery-powered field
sensors. Nodes discover neighbours, elect a coordinator, route around dead
links and relay telemetry and imagery hop by hop toward a gateway.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(&cobra.Group{
		ID:    "init",
		Title: "Initialize Bramble",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "br",
		Title: "Bramble Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "node.yaml", "node config file")
	rootCmd.PersistentFlags().StringVarP(&logPath, "log", "l", "", "also write logs to this file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
