package publish

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tturner/plcsim/internal/config"
)

// MQTTPublisher publishes retained JSON tag values to one broker.
type MQTTPublisher struct {
	config config.MQTTConfig

	mu     sync.RWMutex
	client pahomqtt.Client
}

// NewMQTTPublisher creates an unconnected MQTT publisher.
func NewMQTTPublisher(cfg config.MQTTConfig) *MQTTPublisher {
	return &MQTTPublisher{config: cfg}
}

// Name identifies the sink in logs and stats.
func (p *MQTTPublisher) Name() string { return "mqtt" }

// Address returns the broker URL.
func (p *MQTTPublisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// BuildTopic returns <root>/<plc>/tags/<tag>.
func (p *MQTTPublisher) BuildTopic(plc, tag string) string {
	return fmt.Sprintf("%s/%s/tags/%s", p.config.TopicRoot, plc, tag)
}

// Start connects to the broker.
func (p *MQTTPublisher) Start(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(5 * time.Second)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()

	// The client must not be left connecting or reconnecting on failure.
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-time.After(5 * time.Second):
		client.Disconnect(0)
		return fmt.Errorf("connect to %s: timeout", p.Address())
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("connect to %s: %w", p.Address(), err)
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

// Publish sends msg as a retained message.
func (p *MQTTPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal tag value: %w", err)
	}

	token := client.Publish(p.BuildTopic(msg.PLC, msg.Tag), byte(p.config.QoS), true, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop disconnects from the broker.
func (p *MQTTPublisher) Stop() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}
