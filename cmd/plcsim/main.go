package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "plcsim",
		Short: "Simulated EtherNet/IP controller",
		Long: `plcsim is a mock Logix-style PLC. It serves a small table of BOOL and
DINT tags over EtherNet/IP explicit messaging, keeps them moving with a
background simulator, and ships a client for reading and writing them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newReadCmd())
	rootCmd.AddCommand(newWriteCmd())
	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newPrintDefaultConfigCmd())
	rootCmd.AddCommand(newValidateConfigCmd())
	rootCmd.AddCommand(newPcapSummaryCmd())

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if cmd != cmd.Root() {
			if cmd.Long != "" {
				fmt.Fprintf(out, "%s\n\n", cmd.Long)
			}
			fmt.Fprint(out, cmd.UsageString())
			return
		}
		fmt.Fprintf(out, "Usage:\n  %s <command> [arguments] [options]\n\n", cmd.Name())
		fmt.Fprintf(out, "Available Commands:\n")
		for _, subCmd := range cmd.Commands() {
			if !subCmd.Hidden {
				fmt.Fprintf(out, "  %-22s %s\n", subCmd.Name(), subCmd.Short)
			}
		}
		fmt.Fprintf(out, "\nUse \"%s help <command>\" for more information about a command.\n", cmd.Name())
	})
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
