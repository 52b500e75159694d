package cmd

import (
	"fmt"
	"log/slog"

	"github.com/encodeous/netsim/state"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Validates a topology and prints it in canonical form",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := state.ReadTopology(topologyPath)
		if err != nil {
			return err
		}
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Topology is valid")
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
	GroupID: "cfg",
}

var parseCmd = &cobra.Command{
	Use:   "parse <address>...",
	Short: "Parses address literals and prints their family and canonical form",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, lit := range args {
			p, err := state.ParseAddressPrefix(lit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", lit, p.Addr.Family(), p)
		}
		return nil
	},
	GroupID: "cfg",
}

func slogLevel(cmd *cobra.Command) slog.Level {
	if ok, _ := cmd.Flags().GetBool("verbose"); ok {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(parseCmd)
}
