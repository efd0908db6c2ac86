package publish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tturner/plcsim/internal/config"
)

// KafkaPublisher produces one message per change, keyed by tag name so a
// tag's history stays on one partition.
type KafkaPublisher struct {
	config config.KafkaConfig

	mu     sync.RWMutex
	writer *kafka.Writer
}

// NewKafkaPublisher creates an unconnected Kafka publisher.
func NewKafkaPublisher(cfg config.KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{config: cfg}
}

// Name identifies the sink in logs and stats.
func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) tlsConfig() *tls.Config {
	if !p.config.UseTLS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

// Start checks the first broker is reachable and prepares the writer.
func (p *KafkaPublisher) Start(ctx context.Context) error {
	if len(p.config.Brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}

	dialer := &kafka.Dialer{Timeout: 10 * time.Second, TLS: p.tlsConfig()}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("connect to %s: %w", p.config.Brokers[0], err)
	}
	conn.Close()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.config.Brokers...),
		Topic:                  p.config.Topic,
		Balancer:               &kafka.Hash{},
		Transport:              &kafka.Transport{TLS: p.tlsConfig()},
		RequiredAcks:           kafka.RequiredAcks(p.config.RequiredAcks),
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	p.mu.Lock()
	p.writer = writer
	p.mu.Unlock()
	return nil
}

// Publish writes msg keyed by its tag name.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.RLock()
	writer := p.writer
	p.mu.RUnlock()
	if writer == nil {
		return fmt.Errorf("not connected")
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal tag value: %w", err)
	}
	if err := writer.WriteMessages(ctx, kafka.Message{Key: []byte(msg.Tag), Value: value, Time: msg.Timestamp}); err != nil {
		return fmt.Errorf("kafka produce failed: %w", err)
	}
	return nil
}

// Stop flushes and closes the writer.
func (p *KafkaPublisher) Stop() error {
	p.mu.Lock()
	writer := p.writer
	p.writer = nil
	p.mu.Unlock()
	if writer != nil {
		return writer.Close()
	}
	return nil
}
