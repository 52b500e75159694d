package cmd

import (
	"fmt"
	"io"

	"github.com/encodeous/netsim/core"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the datagrams of a topology to completion",
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logPath, _ := cmd.Flags().GetString("log")
		sim, err := core.Bootstrap(topologyPath, logPath, verbose)
		if sim != nil {
			printSummary(cmd.OutOrStdout(), sim)
		}
		return err
	},
	GroupID: "sim",
}

func printSummary(w io.Writer, sim *core.Simulation) {
	fmt.Fprintf(w, "finished at %s\n", sim.Now())
	for _, n := range sim.Nodes() {
		c := n.Engine.Counters()
		fmt.Fprintf(w, "%s: %s\n", n.Id, c.String())
		for _, d := range n.Inbox {
			fmt.Fprintf(w, "  delivered %s: %q\n", d.Info.String(), d.Payload)
		}
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().StringP("log", "l", "", "Also write logs to this file")
}
