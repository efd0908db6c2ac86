package app

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/tturner/plcsim/internal/capture"
	"github.com/tturner/plcsim/internal/config"
	"github.com/tturner/plcsim/internal/logging"
	"github.com/tturner/plcsim/internal/publish"
	"github.com/tturner/plcsim/internal/server/api"
	"github.com/tturner/plcsim/internal/server/core"
	"github.com/tturner/plcsim/internal/sim"
	"github.com/tturner/plcsim/internal/tagtable"
)

// Runtime is a running controller: listener, simulator and the optional
// API, publishers and recorder, all sharing one tag table.
type Runtime struct {
	Config    *config.ServerConfig
	Tags      *tagtable.Table
	Server    *core.Server
	Simulator *sim.Simulator
	API       *api.Server
	Publisher *publish.Fanout
	Recorder  *capture.Recorder

	logger *logging.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// BuildTagTable declares every configured tag.
func BuildTagTable(cfg *config.ServerConfig) (*tagtable.Table, error) {
	table := tagtable.New()
	for _, tag := range cfg.Tags {
		typ, value, err := tag.Resolve()
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", tag.Name, err)
		}
		if err := table.Declare(tag.Name, typ, value); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *config.ServerConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		Level:    level,
		File:     cfg.Logging.LogFile,
		Format:   cfg.Logging.Format,
		LogEvery: cfg.Logging.LogEveryN,
		Rotation: logging.Rotation{
			MaxSizeMB:  cfg.Logging.Rotation.MaxSizeMB,
			MaxBackups: cfg.Logging.Rotation.MaxBackups,
			MaxAgeDays: cfg.Logging.Rotation.MaxAgeDays,
			Compress:   cfg.Logging.Rotation.Compress,
		},
	})
}

// StartRuntime brings every configured component up. On error anything
// already started is stopped again.
func StartRuntime(ctx context.Context, cfg *config.ServerConfig, logger *logging.Logger) (*Runtime, error) {
	tags, err := BuildTagTable(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	rt := &Runtime{Config: cfg, Tags: tags, logger: logger, cancel: cancel}

	if err := rt.start(ctx); err != nil {
		rt.Stop()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) start(ctx context.Context) error {
	cfg := rt.Config

	srv, err := core.NewServer(cfg, rt.Tags, rt.logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	rt.Server = srv

	if cfg.Capture.PCAPFile != "" {
		rec, err := capture.NewRecorder(cfg.Capture.PCAPFile)
		if err != nil {
			return err
		}
		rt.Recorder = rec
		srv.SetRecorder(rec)
	}

	if cfg.SimulatorEnabled() {
		simulator, err := sim.New(rt.Tags, sim.Config{
			CounterTag:  cfg.Simulator.CounterTag,
			MotorTag:    cfg.Simulator.MotorTag,
			Interval:    cfg.SimulatorInterval(),
			ToggleEvery: int64(cfg.Simulator.ToggleEvery),
		}, rt.logger)
		if err != nil {
			return err
		}
		rt.Simulator = simulator
	}

	if err := srv.Start(); err != nil {
		return err
	}

	if rt.Simulator != nil {
		rt.wg.Add(1)
		go func() {
			defer rt.wg.Done()
			rt.Simulator.Run(ctx)
		}()
	}

	if cfg.API.Enabled {
		router := api.NewRouter(cfg.Server.Name, rt.Tags, srv.Sessions(), srv.Metrics())
		rt.API = api.NewServer(cfg.API.Listen, router, rt.logger)
		if err := rt.API.Start(); err != nil {
			return err
		}
	}

	fanout := publish.FromConfig(cfg, rt.logger)
	if fanout.Len() > 0 {
		rt.Publisher = fanout
		// A broker being down must not keep the controller off the network.
		if err := fanout.Start(ctx, rt.Tags); err != nil {
			rt.logger.Error("Some publishers did not start: %v", err)
		}
	}
	return nil
}

// ENIPAddr returns the bound EtherNet/IP address.
func (rt *Runtime) ENIPAddr() *net.TCPAddr {
	if rt.Server == nil {
		return nil
	}
	return rt.Server.TCPAddr()
}

// Stop shuts components down in reverse start order (idempotent).
func (rt *Runtime) Stop() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	rt.once.Do(func() {
		rt.cancel()
		rt.wg.Wait()

		if rt.Publisher != nil {
			keep(rt.Publisher.Stop())
		}
		if rt.API != nil {
			keep(rt.API.Stop())
		}
		if rt.Server != nil {
			keep(rt.Server.Stop())
		}
		if rt.Recorder != nil {
			keep(rt.Recorder.Close())
		}
	})
	return firstErr
}
