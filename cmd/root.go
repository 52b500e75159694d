package cmd

import (
	"os"

	"github.com/encodeous/netsim/state"
	"github.com/spf13/cobra"
)

var topologyPath = "topology.yaml"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "netsim",
	Short: "Network layer forwarding simulator",
	Long: `netsim simulates the network layer of a set of nodes connected by links.
Each node has interfaces, a routing table with longest prefix match and a forwarding engine with netfilter style hooks.`,
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
		ID:    "sim",
		Title: "Simulation Commands",
	})
	rootCmd.AddGroup(&cobra.Group{
		ID:    "cfg",
		Title: "Configuration Commands",
	})
	rootCmd.PersistentFlags().StringVarP(&topologyPath, "topology", "t", topologyPath, "topology config")
	rootCmd.PersistentFlags().BoolVar(&state.DBG_debug, "debug", false, "serve expvar and metrics on "+state.DebugBind)
}
