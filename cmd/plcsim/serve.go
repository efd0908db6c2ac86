package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tturner/plcsim/internal/app"
	"github.com/tturner/plcsim/internal/config"
)

type serveFlags struct {
	configPath  string
	listenIP    string
	listenPort  int
	tags        []string
	simInterval time.Duration
	noSim       bool
	apiListen   string
	pcapFile    string
	logLevel    string
	logFormat   string
	logFile     string
	logEvery    int
}

func newServeCmd() *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulated controller",
		Long: `Run plcsim as an EtherNet/IP endpoint that CIP clients can register a
session with and read or write tags through.

Without --config the controller carries two tags:
  Program:MainProgram.MotorRunning  BOOL  (toggles every 5 ticks)
  Program:MainProgram.PartCount     DINT  (increments every tick)

--tag NAME=TYPE[:VALUE] adds a tag or replaces one of the same name and may
be repeated. --api-listen enables the HTTP status API. --pcap records the
served EtherNet/IP traffic to a capture file.

Press Ctrl+C to stop the server gracefully.`,
		Example: `  # Serve the default tags on 0.0.0.0:44818
  plcsim serve

  # Serve on a high port with an extra tag and no simulator
  plcsim serve --listen-port 2222 --tag Line.Speed=DINT:1200 --no-sim

  # Use a config file and expose the status API
  plcsim serve --config plcsim.yaml --api-listen 127.0.0.1:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			return app.RunServer(app.ServerOptions{
				ConfigPath:  flags.configPath,
				ListenIP:    flags.listenIP,
				ListenPort:  flags.listenPort,
				PortSet:     cmd.Flags().Changed("listen-port"),
				Tags:        flags.tags,
				SimInterval: flags.simInterval,
				NoSim:       flags.noSim,
				APIListen:   flags.apiListen,
				PCAPFile:    flags.pcapFile,
				LogLevel:    flags.logLevel,
				LogFormat:   flags.logFormat,
				LogFile:     flags.logFile,
				LogEvery:    flags.logEvery,
			})
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "Server config file path")
	cmd.Flags().StringVar(&flags.listenIP, "listen-ip", "", "Listen IP address (default \"0.0.0.0\")")
	cmd.Flags().IntVar(&flags.listenPort, "listen-port", config.DefaultTCPPort, "Listen port")
	cmd.Flags().StringArrayVar(&flags.tags, "tag", nil, "Declare a tag as NAME=TYPE[:VALUE] (repeatable)")
	cmd.Flags().DurationVar(&flags.simInterval, "sim-interval", 0, "Simulator tick interval (default 1s)")
	cmd.Flags().BoolVar(&flags.noSim, "no-sim", false, "Disable the tag simulator")
	cmd.Flags().StringVar(&flags.apiListen, "api-listen", "", "Enable the HTTP status API on this address")
	cmd.Flags().StringVar(&flags.pcapFile, "pcap", "", "Record served traffic to a PCAP file")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level override: error|info|verbose|debug")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "", "Log format override: text|json")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Also write logs to this file")
	cmd.Flags().IntVar(&flags.logEvery, "log-every-n", 0, "Log every N requests (override)")

	return cmd
}
