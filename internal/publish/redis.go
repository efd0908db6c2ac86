package publish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tturner/plcsim/internal/config"
)

// RedisPublisher stores the latest value of each tag in Redis or Valkey
// and optionally announces changes on a pub/sub channel.
type RedisPublisher struct {
	config config.RedisConfig

	mu     sync.RWMutex
	client *redis.Client
}

// NewRedisPublisher creates an unconnected Redis publisher.
func NewRedisPublisher(cfg config.RedisConfig) *RedisPublisher {
	return &RedisPublisher{config: cfg}
}

// Name identifies the sink in logs and stats.
func (p *RedisPublisher) Name() string { return "redis" }

// Address returns the server URL.
func (p *RedisPublisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// TagKey returns <prefix>:<plc>:tags:<tag>.
func (p *RedisPublisher) TagKey(plc, tag string) string {
	return joinKey(p.config.KeyPrefix, plc, "tags", tag)
}

// ChangesChannel returns <prefix>:<plc>:changes.
func (p *RedisPublisher) ChangesChannel(plc string) string {
	return joinKey(p.config.KeyPrefix, plc, "changes")
}

// Start connects and pings the server.
func (p *RedisPublisher) Start(ctx context.Context) error {
	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("connect to %s: %w", p.Address(), err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

// Publish sets the tag key and, when enabled, publishes on the changes channel.
func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal tag value: %w", err)
	}

	ttl := time.Duration(p.config.KeyTTLSeconds) * time.Second
	if err := client.Set(ctx, p.TagKey(msg.PLC, msg.Tag), data, ttl).Err(); err != nil {
		return fmt.Errorf("set key: %w", err)
	}
	if p.config.PublishChanges {
		if err := client.Publish(ctx, p.ChangesChannel(msg.PLC), data).Err(); err != nil {
			return fmt.Errorf("publish change: %w", err)
		}
	}
	return nil
}

// Stop closes the client.
func (p *RedisPublisher) Stop() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client != nil {
		return client.Close()
	}
	return nil
}
