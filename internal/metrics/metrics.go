package metrics

// Metrics collection for served CIP requests

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"
)

// OperationType represents the type of operation
type OperationType string

const (
	OperationRead        OperationType = "READ"
	OperationWrite       OperationType = "WRITE"
	OperationUnsupported OperationType = "UNSUPPORTED"
	OperationRegister    OperationType = "REGISTER_SESSION"
	OperationUnregister  OperationType = "UNREGISTER_SESSION"
)

// DefaultWindow is how many recent latencies are kept for percentiles.
const DefaultWindow = 4096

// Metric represents a single served request
type Metric struct {
	Timestamp time.Time
	Operation OperationType
	Tag       string
	Service   string
	Success   bool
	Status    uint8
	LatencyMs float64
	Error     string
}

// Sink collects and aggregates metrics
type Sink struct {
	mu        sync.RWMutex
	window    []float64
	next      int
	filled    bool
	summary   *Summary
	startedAt time.Time

	connectionsTotal  uint64
	connectionsActive int64
	malformedFrames   uint64
}

func newSummary() *Summary {
	return &Summary{
		LatencyBuckets: make(map[string]int),
		ByOperation:    make(map[OperationType]*OperationStats),
		ByStatus:       make(map[uint8]int),
	}
}

// Summary contains aggregated statistics
type Summary struct {
	TotalOperations   int
	SuccessfulOps     int
	FailedOps         int
	MinLatency        float64
	MaxLatency        float64
	AvgLatency        float64
	P50Latency        float64
	P90Latency        float64
	P95Latency        float64
	P99Latency        float64
	LatencyBuckets    map[string]int
	ByOperation       map[OperationType]*OperationStats
	ByStatus          map[uint8]int
	ConnectionsTotal  uint64
	ConnectionsActive int64
	MalformedFrames   uint64
	Uptime            time.Duration
	sumLatency        float64
	latencyCount      int
}

// OperationStats contains statistics for a specific operation type
type OperationStats struct {
	Count      int
	Success    int
	Failed     int
	MinLatency float64
	MaxLatency float64
	AvgLatency float64
	SumLatency float64
}

// NewSink creates a new metrics sink
func NewSink() *Sink {
	return NewSinkWithWindow(DefaultWindow)
}

// NewSinkWithWindow keeps the last window latencies for percentiles.
func NewSinkWithWindow(window int) *Sink {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Sink{
		window:    make([]float64, window),
		summary:   newSummary(),
		startedAt: time.Now(),
	}
}

// Record records a new metric
func (s *Sink) Record(m Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.LatencyMs > 0 {
		s.window[s.next] = m.LatencyMs
		s.next++
		if s.next == len(s.window) {
			s.next = 0
			s.filled = true
		}
	}
	s.updateSummary(m)
}

// ConnectionOpened counts an accepted connection.
func (s *Sink) ConnectionOpened() {
	s.mu.Lock()
	s.connectionsTotal++
	s.connectionsActive++
	s.mu.Unlock()
}

// ConnectionClosed counts a finished connection.
func (s *Sink) ConnectionClosed() {
	s.mu.Lock()
	s.connectionsActive--
	s.mu.Unlock()
}

// MalformedFrame counts a frame that closed its connection.
func (s *Sink) MalformedFrame() {
	s.mu.Lock()
	s.malformedFrames++
	s.mu.Unlock()
}

// GetSummary returns the aggregated summary
func (s *Sink) GetSummary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Create a deep copy of the summary
	summary := &Summary{
		TotalOperations:   s.summary.TotalOperations,
		SuccessfulOps:     s.summary.SuccessfulOps,
		FailedOps:         s.summary.FailedOps,
		MinLatency:        s.summary.MinLatency,
		MaxLatency:        s.summary.MaxLatency,
		AvgLatency:        s.summary.AvgLatency,
		LatencyBuckets:    make(map[string]int),
		ByOperation:       make(map[OperationType]*OperationStats),
		ByStatus:          make(map[uint8]int),
		ConnectionsTotal:  s.connectionsTotal,
		ConnectionsActive: s.connectionsActive,
		MalformedFrames:   s.malformedFrames,
		Uptime:            time.Since(s.startedAt),
	}

	for op, stats := range s.summary.ByOperation {
		copied := *stats
		summary.ByOperation[op] = &copied
	}
	for status, n := range s.summary.ByStatus {
		summary.ByStatus[status] = n
	}

	latencies := s.recentLatencies()
	p := computePercentiles(latencies)
	summary.P50Latency = p[0]
	summary.P90Latency = p[1]
	summary.P95Latency = p[2]
	summary.P99Latency = p[3]
	for _, v := range latencies {
		incrementBucket(summary.LatencyBuckets, v)
	}

	return summary
}

func (s *Sink) recentLatencies() []float64 {
	n := s.next
	if s.filled {
		n = len(s.window)
	}
	out := make([]float64, n)
	copy(out, s.window[:n])
	return out
}

// updateSummary updates the summary statistics with a new metric
func (s *Sink) updateSummary(m Metric) {
	s.summary.TotalOperations++
	s.summary.ByStatus[m.Status]++

	if m.Success {
		s.summary.SuccessfulOps++
	} else {
		s.summary.FailedOps++
	}

	if m.LatencyMs > 0 {
		if s.summary.MinLatency == 0 || m.LatencyMs < s.summary.MinLatency {
			s.summary.MinLatency = m.LatencyMs
		}
		if m.LatencyMs > s.summary.MaxLatency {
			s.summary.MaxLatency = m.LatencyMs
		}
		s.summary.latencyCount++
		s.summary.sumLatency += m.LatencyMs
		s.summary.AvgLatency = s.summary.sumLatency / float64(s.summary.latencyCount)
	}

	opStats, exists := s.summary.ByOperation[m.Operation]
	if !exists {
		opStats = &OperationStats{}
		s.summary.ByOperation[m.Operation] = opStats
	}
	opStats.Count++
	if m.Success {
		opStats.Success++
		if m.LatencyMs > 0 {
			if opStats.MinLatency == 0 || m.LatencyMs < opStats.MinLatency {
				opStats.MinLatency = m.LatencyMs
			}
			if m.LatencyMs > opStats.MaxLatency {
				opStats.MaxLatency = m.LatencyMs
			}
			opStats.SumLatency += m.LatencyMs
			opStats.AvgLatency = opStats.SumLatency / float64(opStats.Success)
		}
	} else {
		opStats.Failed++
	}
}

// WriteText writes the summary in the plain-text exposition format served
// on /metrics.
func (s *Summary) WriteText(w io.Writer) error {
	ew := &errWriter{w: w}
	ew.printf("plcsim_up 1\n")
	ew.printf("plcsim_uptime_seconds %.0f\n", s.Uptime.Seconds())
	ew.printf("plcsim_connections_total %d\n", s.ConnectionsTotal)
	ew.printf("plcsim_connections_active %d\n", s.ConnectionsActive)
	ew.printf("plcsim_malformed_frames_total %d\n", s.MalformedFrames)
	ew.printf("plcsim_requests_total %d\n", s.TotalOperations)
	ew.printf("plcsim_requests_failed_total %d\n", s.FailedOps)

	ops := make([]string, 0, len(s.ByOperation))
	for op := range s.ByOperation {
		ops = append(ops, string(op))
	}
	sort.Strings(ops)
	for _, op := range ops {
		stats := s.ByOperation[OperationType(op)]
		ew.printf("plcsim_operation_requests_total{operation=%q} %d\n", op, stats.Count)
		ew.printf("plcsim_operation_failed_total{operation=%q} %d\n", op, stats.Failed)
	}

	statuses := make([]int, 0, len(s.ByStatus))
	for status := range s.ByStatus {
		statuses = append(statuses, int(status))
	}
	sort.Ints(statuses)
	for _, status := range statuses {
		ew.printf("plcsim_cip_status_total{status=\"0x%02X\"} %d\n", status, s.ByStatus[uint8(status)])
	}

	for _, q := range []struct {
		label string
		value float64
	}{{"0.5", s.P50Latency}, {"0.9", s.P90Latency}, {"0.95", s.P95Latency}, {"0.99", s.P99Latency}} {
		ew.printf("plcsim_request_latency_ms{quantile=%q} %.3f\n", q.label, q.value)
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...interface{}) {
	if e.err != nil {
		return
	}
	_, e.err = fmt.Fprintf(e.w, format, args...)
}

func incrementBucket(buckets map[string]int, value float64) {
	switch {
	case value < 1:
		buckets["lt_1ms"]++
	case value < 5:
		buckets["1_5ms"]++
	case value < 10:
		buckets["5_10ms"]++
	case value < 50:
		buckets["10_50ms"]++
	case value < 100:
		buckets["50_100ms"]++
	case value < 500:
		buckets["100_500ms"]++
	default:
		buckets["gt_500ms"]++
	}
}

func computePercentiles(values []float64) [4]float64 {
	var result [4]float64
	if len(values) == 0 {
		return result
	}
	sort.Float64s(values)
	result[0] = percentile(values, 0.50)
	result[1] = percentile(values, 0.90)
	result[2] = percentile(values, 0.95)
	result[3] = percentile(values, 0.99)
	return result
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
