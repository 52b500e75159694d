package cmd

import (
	"fmt"
	"net/netip"

	"github.com/encodeous/netsim/core"
	"github.com/encodeous/netsim/state"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:     "inspect <node>",
	Aliases: []string{"i"},
	Short:   "Prints the routing table of a node",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := state.ReadTopology(topologyPath)
		if err != nil {
			return err
		}
		logger, closeLog, err := core.NewLogger(slogLevel(cmd), "netsim", "")
		if err != nil {
			return err
		}
		defer closeLog()
		sim, err := core.NewSimulationFromTopology(cfg, logger, nil)
		if err != nil {
			return err
		}
		if ok, _ := cmd.Flags().GetBool("run"); ok {
			if err := sim.RunUntilIdle(); err != nil {
				return err
			}
		}
		n := sim.Node(state.NodeId(args[0]))
		if n == nil {
			return fmt.Errorf("node %s not found", args[0])
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "router id: %s\n", n.Table.RouterId())
		fmt.Fprintf(w, "forwarding: %t, multicast forwarding: %t\n", n.Table.Forwarding(), n.Table.MulticastForwarding())
		for i := range n.Interfaces.NumInterfaces() {
			itf := n.Interfaces.InterfaceAt(i)
			fmt.Fprintf(w, "interface %s mtu %d [%s] %v\n", itf, itf.MTU, itf.Flags, itf.Addresses())
		}
		fmt.Fprint(w, n.Table.String())
		for _, r := range n.Table.MulticastRoutes() {
			fmt.Fprintf(w, "multicast %s\n", r)
		}
		fmt.Fprintf(w, "coverage: %v\n", n.Table.Coverage())

		within, _ := cmd.Flags().GetStringSlice("uncovered")
		if len(within) > 0 {
			prefixes := make([]netip.Prefix, 0, len(within))
			for _, s := range within {
				p, err := netip.ParsePrefix(s)
				if err != nil {
					return err
				}
				prefixes = append(prefixes, p)
			}
			fmt.Fprintf(w, "uncovered: %v\n", n.Table.Uncovered(prefixes))
		}
		return nil
	},
	GroupID: "sim",
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().Bool("run", false, "Run the datagrams of the topology before inspecting")
	inspectCmd.Flags().StringSlice("uncovered", nil, "Report the parts of these prefixes no route reaches")
	inspectCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
}
