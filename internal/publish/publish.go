// Package publish forwards tag changes to external brokers.
package publish

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tturner/plcsim/internal/config"
	"github.com/tturner/plcsim/internal/logging"
	"github.com/tturner/plcsim/internal/tagtable"
)

// publishTimeout bounds one delivery to one broker.
const publishTimeout = 5 * time.Second

// Message is the JSON document every sink publishes for a change.
type Message struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Source    string      `json:"source,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// MessageFromChange builds the published form of a table change.
func MessageFromChange(plc string, c tagtable.Change) Message {
	return Message{
		PLC:       plc,
		Tag:       c.Tag,
		Type:      c.Type.String(),
		Value:     c.New.Interface(),
		Source:    c.Source,
		Timestamp: c.At.UTC(),
	}
}

func messageFromTag(plc string, tag tagtable.Tag) Message {
	at := tag.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return Message{
		PLC:       plc,
		Tag:       tag.Name,
		Type:      tag.Type.String(),
		Value:     tag.Value.Interface(),
		Timestamp: at.UTC(),
	}
}

// Sink is one broker connection.
type Sink interface {
	Name() string
	Start(ctx context.Context) error
	Publish(ctx context.Context, msg Message) error
	Stop() error
}

// SinkStats reports delivery counters for one sink.
type SinkStats struct {
	Name    string
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

type worker struct {
	sink    Sink
	queue   chan Message
	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// Fanout subscribes to a tag table and hands every change to each sink
// through a bounded per-sink queue. A full queue drops the change rather
// than stalling the writer.
type Fanout struct {
	plc       string
	queueSize int
	logger    *logging.Logger

	mu          sync.RWMutex
	sinks       []Sink
	workers     []*worker
	unsubscribe func()
	closed      bool
	wg          sync.WaitGroup
}

// NewFanout creates an idle fan-out. queueSize <= 0 uses the configured default.
func NewFanout(plc string, queueSize int, logger *logging.Logger) *Fanout {
	if queueSize <= 0 {
		queueSize = config.DefaultPublishQueueLen
	}
	return &Fanout{plc: plc, queueSize: queueSize, logger: logger}
}

// Add registers a sink. Sinks must be added before Start.
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Len returns the number of registered sinks.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// Start connects every sink, publishes the current value of every tag and
// then follows table changes. Sinks that fail to connect are skipped and
// reported in the returned error; the rest keep running.
func (f *Fanout) Start(ctx context.Context, table *tagtable.Table) error {
	f.mu.Lock()
	if f.unsubscribe != nil || f.closed {
		f.mu.Unlock()
		return fmt.Errorf("publisher fan-out already started")
	}

	var errs []error
	for _, s := range f.sinks {
		if err := s.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			f.logf("Publisher %s failed to start: %v", s.Name(), err)
			continue
		}
		w := &worker{sink: s, queue: make(chan Message, f.queueSize)}
		f.workers = append(f.workers, w)
		f.wg.Add(1)
		go f.run(w)
		f.logf("Publisher %s started", s.Name())
	}

	for _, tag := range table.Snapshot() {
		f.enqueueLocked(messageFromTag(f.plc, tag))
	}
	f.unsubscribe = table.Subscribe(f.onChange)
	f.mu.Unlock()

	return errors.Join(errs...)
}

func (f *Fanout) onChange(c tagtable.Change) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	f.enqueueLocked(MessageFromChange(f.plc, c))
}

// enqueueLocked must be called with f.mu held.
func (f *Fanout) enqueueLocked(msg Message) {
	for _, w := range f.workers {
		select {
		case w.queue <- msg:
		default:
			w.dropped.Add(1)
		}
	}
}

func (f *Fanout) run(w *worker) {
	defer f.wg.Done()
	for msg := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := w.sink.Publish(ctx, msg)
		cancel()
		if err != nil {
			w.failed.Add(1)
			if f.logger != nil {
				f.logger.Verbose("Publisher %s: %s: %v", w.sink.Name(), msg.Tag, err)
			}
			continue
		}
		w.sent.Add(1)
	}
}

// Stop unsubscribes, drains the queues and disconnects every started sink.
func (f *Fanout) Stop() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	if f.unsubscribe != nil {
		f.unsubscribe()
	}
	for _, w := range f.workers {
		close(w.queue)
	}
	workers := f.workers
	f.mu.Unlock()

	f.wg.Wait()

	var errs []error
	for _, w := range workers {
		if err := w.sink.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns per-sink counters for started sinks.
func (f *Fanout) Stats() []SinkStats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]SinkStats, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, SinkStats{
			Name:    w.sink.Name(),
			Sent:    w.sent.Load(),
			Failed:  w.failed.Load(),
			Dropped: w.dropped.Load(),
		})
	}
	return out
}

func (f *Fanout) logf(format string, args ...interface{}) {
	if f.logger != nil {
		f.logger.Info(format, args...)
	}
}

// FromConfig builds a fan-out holding every enabled publisher.
func FromConfig(cfg *config.ServerConfig, logger *logging.Logger) *Fanout {
	f := NewFanout(cfg.Server.Name, cfg.Publish.QueueSize, logger)
	if cfg.Publish.MQTT.Enabled {
		f.Add(NewMQTTPublisher(cfg.Publish.MQTT))
	}
	if cfg.Publish.Redis.Enabled {
		f.Add(NewRedisPublisher(cfg.Publish.Redis))
	}
	if cfg.Publish.Kafka.Enabled {
		f.Add(NewKafkaPublisher(cfg.Publish.Kafka))
	}
	return f
}

// joinKey joins key segments with colons, trimming colons at segment edges
// so empty parts never appear.
func joinKey(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}
