package sim

// Periodic tag mutation emulating a running machine.

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tturner/plcsim/internal/cip/codec"
	"github.com/tturner/plcsim/internal/logging"
	"github.com/tturner/plcsim/internal/tagtable"
)

// Default tag names and cadence of the mock machine.
const (
	DefaultCounterTag  = "Program:MainProgram.PartCount"
	DefaultMotorTag    = "Program:MainProgram.MotorRunning"
	DefaultInterval    = time.Second
	DefaultToggleEvery = 5
)

// Source labels table changes made by the simulator.
const Source = "simulator"

// Config selects the tags the simulator drives and how often.
type Config struct {
	CounterTag  string
	MotorTag    string
	Interval    time.Duration
	ToggleEvery int64
}

func (c Config) withDefaults() Config {
	if c.CounterTag == "" {
		c.CounterTag = DefaultCounterTag
	}
	if c.MotorTag == "" {
		c.MotorTag = DefaultMotorTag
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ToggleEvery <= 0 {
		c.ToggleEvery = DefaultToggleEvery
	}
	return c
}

// Simulator increments a DINT part counter every tick and negates a BOOL
// motor flag whenever the new count is a multiple of ToggleEvery.
type Simulator struct {
	table  *tagtable.Table
	cfg    Config
	logger *logging.Logger
	ticks  atomic.Uint64
}

// New validates that both tags exist with the expected types.
func New(table *tagtable.Table, cfg Config, logger *logging.Logger) (*Simulator, error) {
	cfg = cfg.withDefaults()
	if err := requireTag(table, cfg.CounterTag, codec.TypeDINT); err != nil {
		return nil, err
	}
	if err := requireTag(table, cfg.MotorTag, codec.TypeBOOL); err != nil {
		return nil, err
	}
	return &Simulator{table: table, cfg: cfg, logger: logger}, nil
}

func requireTag(table *tagtable.Table, name string, want codec.DataType) error {
	typ, _, err := table.Read(name)
	if err != nil {
		return fmt.Errorf("simulator: %w", err)
	}
	if typ != want {
		return fmt.Errorf("simulator: tag %q is %s, need %s", name, typ, want)
	}
	return nil
}

// Interval returns the tick period.
func (s *Simulator) Interval() time.Duration { return s.cfg.Interval }

// Ticks returns how many ticks have completed.
func (s *Simulator) Ticks() uint64 { return s.ticks.Load() }

// Tick performs one simulation step. The counter wraps from 2^31-1 to -2^31.
func (s *Simulator) Tick() error {
	next, err := s.table.UpdateFrom(Source, s.cfg.CounterTag, func(v codec.Value) (codec.Value, error) {
		return codec.DIntValue(int64(v.DInt() + 1)), nil
	})
	if err != nil {
		return fmt.Errorf("increment %s: %w", s.cfg.CounterTag, err)
	}
	s.ticks.Add(1)

	if next.Int()%s.cfg.ToggleEvery != 0 {
		return nil
	}
	motor, err := s.table.UpdateFrom(Source, s.cfg.MotorTag, func(v codec.Value) (codec.Value, error) {
		return codec.BoolValue(!v.Bool()), nil
	})
	if err != nil {
		return fmt.Errorf("toggle %s: %w", s.cfg.MotorTag, err)
	}
	if s.logger != nil {
		s.logger.Verbose("Simulator: %s=%d, %s=%t", s.cfg.CounterTag, next.Int(), s.cfg.MotorTag, motor.Bool())
	}
	return nil
}

// Run ticks until ctx is cancelled. A failed tick is logged and the loop
// continues.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if s.logger != nil {
		s.logger.Info("Simulator started (interval %s, toggle every %d)", s.cfg.Interval, s.cfg.ToggleEvery)
	}
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.Info("Simulator stopped after %d ticks", s.ticks.Load())
			}
			return
		case <-ticker.C:
			if err := s.Tick(); err != nil && s.logger != nil {
				s.logger.Error("Simulator tick failed: %v", err)
			}
		}
	}
}
