package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tturner/plcsim/internal/config"
	plcerrors "github.com/tturner/plcsim/internal/errors"
)

// ServerOptions are the serve command's flag values. Zero values leave the
// config file (or the built-in default) untouched.
type ServerOptions struct {
	ConfigPath  string
	ListenIP    string
	ListenPort  int
	PortSet     bool
	Tags        []string
	SimInterval time.Duration
	NoSim       bool
	APIListen   string
	PCAPFile    string
	LogLevel    string
	LogFormat   string
	LogFile     string
	LogEvery    int
}

// ResolveServerConfig loads the config file (or the default two-tag
// controller), fills defaults, applies flag overrides and validates.
func ResolveServerConfig(opts ServerOptions) (*config.ServerConfig, error) {
	var cfg *config.ServerConfig
	if opts.ConfigPath != "" {
		loaded, err := config.LoadServerConfig(opts.ConfigPath)
		if err != nil {
			return nil, plcerrors.WrapConfigError(err, opts.ConfigPath)
		}
		cfg = loaded
	} else {
		cfg = config.CreateDefaultServerConfig()
	}
	// Defaults first: an explicit --listen-port 0 must survive.
	config.ApplyServerDefaults(cfg)

	if opts.ListenIP != "" {
		cfg.Server.ListenIP = opts.ListenIP
	}
	if opts.PortSet {
		cfg.Server.TCPPort = opts.ListenPort
	}
	if len(opts.Tags) > 0 {
		overrides := make([]config.TagConfig, 0, len(opts.Tags))
		for _, raw := range opts.Tags {
			tag, err := config.ParseTagFlag(raw)
			if err != nil {
				return nil, err
			}
			overrides = append(overrides, tag)
		}
		cfg.Tags = config.MergeTags(cfg.Tags, overrides)
	}
	if opts.SimInterval > 0 {
		cfg.Simulator.IntervalMs = int(opts.SimInterval / time.Millisecond)
	}
	if opts.NoSim {
		cfg.SetSimulatorEnabled(false)
	}
	if opts.APIListen != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = opts.APIListen
	}
	if opts.PCAPFile != "" {
		cfg.Capture.PCAPFile = opts.PCAPFile
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}
	if opts.LogFile != "" {
		cfg.Logging.LogFile = opts.LogFile
	}
	if opts.LogEvery > 0 {
		cfg.Logging.LogEveryN = opts.LogEvery
	}

	if err := config.ValidateServerConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// RunServer serves until SIGINT or SIGTERM.
func RunServer(opts ServerOptions) error {
	cfg, err := ResolveServerConfig(opts)
	if err != nil {
		return err
	}

	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()

	fmt.Fprintf(os.Stdout, "plcsim %s starting...\n", cfg.Server.Name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := StartRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to start server: %v\n", err)
		return err
	}

	fmt.Fprintf(os.Stdout, "  EtherNet/IP: %s\n", rt.ENIPAddr())
	fmt.Fprintf(os.Stdout, "  Tags: %d\n", rt.Tags.Len())
	if rt.Simulator != nil {
		fmt.Fprintf(os.Stdout, "  Simulator: every %s\n", rt.Simulator.Interval())
	}
	if rt.API != nil {
		fmt.Fprintf(os.Stdout, "  Status API: http://%s\n", rt.API.Addr())
	}

	<-ctx.Done()
	fmt.Fprintf(os.Stdout, "\nShutting down server...\n")

	if err := rt.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}

	summary := rt.Server.Metrics().GetSummary()
	fmt.Fprintf(os.Stdout, "Requests served: %d (%d failed)\n", summary.TotalOperations, summary.FailedOps)
	if rt.Recorder != nil {
		absPath, _ := filepath.Abs(cfg.Capture.PCAPFile)
		fmt.Fprintf(os.Stdout, "Packets recorded: %d\n", rt.Recorder.PacketCount())
		fmt.Fprintf(os.Stdout, "PCAP written to: %s\n", absPath)
	}
	return nil
}
