package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tturner/plcsim/internal/app"
	"github.com/tturner/plcsim/internal/cip/client"
	"github.com/tturner/plcsim/internal/config"
	"github.com/tturner/plcsim/internal/tui"
)

type clientFlags struct {
	ip      string
	port    int
	timeout time.Duration
	logix   bool
}

func registerClientFlags(cmd *cobra.Command, flags *clientFlags) {
	cmd.Flags().StringVar(&flags.ip, "ip", "127.0.0.1", "Controller IP address")
	cmd.Flags().IntVar(&flags.port, "port", config.DefaultTCPPort, "Controller port")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", client.DefaultTimeout, "Per-request timeout")
	cmd.Flags().BoolVar(&flags.logix, "logix", false, "Use the Logix tag services (0x4C/0x4D) instead of 0x0E/0x10")
}

func (f *clientFlags) options() app.ClientOptions {
	return app.ClientOptions{IP: f.ip, Port: f.port, Timeout: f.timeout, Logix: f.logix}
}

func newReadCmd() *cobra.Command {
	flags := &clientFlags{}
	cmd := &cobra.Command{
		Use:   "read TAG [TAG...]",
		Short: "Read tags from a controller",
		Long: `Register a session with a controller and read each named tag.

Each tag prints as "TAG = VALUE (TYPE)". A tag the controller rejects is
reported and the remaining tags are still read.`,
		Example: `  plcsim read Program:MainProgram.PartCount
  plcsim read --ip 10.0.0.5 --logix Program:MainProgram.MotorRunning Program:MainProgram.PartCount`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if len(args) == 0 {
				return missingArgError(cmd, "at least one tag name")
			}
			return app.RunRead(cmd.Context(), flags.options(), args, cmd.OutOrStdout())
		},
	}
	registerClientFlags(cmd, flags)
	return cmd
}

func newWriteCmd() *cobra.Command {
	flags := &clientFlags{}
	var typeName string
	cmd := &cobra.Command{
		Use:   "write TAG VALUE",
		Short: "Write one tag on a controller",
		Long: `Register a session with a controller and write VALUE to TAG.

Without --type the tag is read first and VALUE is encoded as its current
type. BOOL accepts true/false/1/0; DINT accepts a decimal integer.`,
		Example: `  plcsim write Program:MainProgram.PartCount 0
  plcsim write --type BOOL Program:MainProgram.MotorRunning false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if len(args) != 2 {
				return missingArgError(cmd, "TAG and VALUE")
			}
			return app.RunWrite(cmd.Context(), flags.options(), args[0], args[1], typeName, cmd.OutOrStdout())
		},
	}
	registerClientFlags(cmd, flags)
	cmd.Flags().StringVar(&typeName, "type", "", "Value type: BOOL|DINT (default: the tag's current type)")
	return cmd
}

func newWatchCmd() *cobra.Command {
	flags := &clientFlags{}
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch TAG [TAG...]",
		Short: "Poll tags in a live terminal view",
		Long: `Poll the named tags on an interval and show them in a live table.

Keys: p or space pauses, r refreshes now, q quits.`,
		Example: `  plcsim watch --interval 250ms Program:MainProgram.MotorRunning Program:MainProgram.PartCount`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if len(args) == 0 {
				return missingArgError(cmd, "at least one tag name")
			}
			return app.RunWatch(cmd.Context(), flags.options(), args, interval)
		},
	}
	registerClientFlags(cmd, flags)
	cmd.Flags().DurationVar(&interval, "interval", tui.DefaultInterval, "Poll interval")
	return cmd
}
