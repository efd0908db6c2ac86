package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tturner/plcsim/internal/capture"
	"github.com/tturner/plcsim/internal/config"
)

type pcapSummaryFlags struct {
	inputFile string
	port      int
}

func newPcapSummaryCmd() *cobra.Command {
	flags := &pcapSummaryFlags{}

	cmd := &cobra.Command{
		Use:   "pcap-summary",
		Short: "Summarize EtherNet/IP traffic in a PCAP file",
		Long: `Summarize EtherNet/IP traffic in a PCAP file, such as one written by
serve --pcap: ENIP command counts, CIP services, tag names and error
statuses.

If --input is omitted, the first positional argument is used.`,
		Example: `  plcsim pcap-summary served.pcap
  plcsim pcap-summary --input capture.pcap --port 2222`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			if flags.inputFile == "" && len(args) > 0 {
				flags.inputFile = args[0]
			}
			if flags.inputFile == "" {
				return missingArgError(cmd, "--input")
			}
			frames, err := capture.ExtractFrames(flags.inputFile, uint16(flags.port))
			if err != nil {
				return fmt.Errorf("summarize pcap: %w", err)
			}
			capture.Summarize(frames).WriteText(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.inputFile, "input", "", "Input PCAP file")
	cmd.Flags().IntVar(&flags.port, "port", config.DefaultTCPPort, "Controller TCP port in the capture")

	return cmd
}
