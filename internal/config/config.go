package config

// Configuration loading and validation for plcsim

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tturner/plcsim/internal/cip/codec"
)

// Defaults for the mock controller.
const (
	DefaultListenIP        = "0.0.0.0"
	DefaultTCPPort         = 44818
	DefaultMaxSessions     = 256
	DefaultIdleTimeoutMs   = 60000
	DefaultSimIntervalMs   = 1000
	DefaultToggleEvery     = 5
	DefaultAPIListen       = "127.0.0.1:8080"
	DefaultMotorTag        = "Program:MainProgram.MotorRunning"
	DefaultCounterTag      = "Program:MainProgram.PartCount"
	DefaultMQTTTopicRoot   = "plcsim"
	DefaultRedisKeyPrefix  = "plcsim"
	DefaultKafkaTopic      = "plcsim.tags"
	DefaultPublishQueueLen = 1024
)

// ServerConfigSection holds listener identity and address.
type ServerConfigSection struct {
	Name     string `yaml:"name"`
	ListenIP string `yaml:"listen_ip"`
	TCPPort  int    `yaml:"tcp_port"`
}

// ServerENIPSessionConfig controls ENIP session policy.
type ServerENIPSessionConfig struct {
	MaxSessions   int `yaml:"max_sessions,omitempty"`
	IdleTimeoutMs int `yaml:"idle_timeout_ms,omitempty"`
}

// ServerENIPConfig groups ENIP-specific server controls.
type ServerENIPConfig struct {
	Session ServerENIPSessionConfig `yaml:"session,omitempty"`
}

// TagConfig declares one tag. Value may be a YAML bool, integer or string.
type TagConfig struct {
	Name  string      `yaml:"name"`
	Type  string      `yaml:"type"` // "BOOL" or "DINT"
	Value interface{} `yaml:"value,omitempty"`
}

// SimulatorConfig controls the background tag simulator.
type SimulatorConfig struct {
	Enabled     *bool  `yaml:"enabled,omitempty"`
	IntervalMs  int    `yaml:"interval_ms,omitempty"`
	CounterTag  string `yaml:"counter_tag,omitempty"`
	MotorTag    string `yaml:"motor_tag,omitempty"`
	ToggleEvery int    `yaml:"toggle_every,omitempty"`
}

// LogRotationConfig controls log file rotation.
type LogRotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb,omitempty"`
	MaxBackups int  `yaml:"max_backups,omitempty"`
	MaxAgeDays int  `yaml:"max_age_days,omitempty"`
	Compress   bool `yaml:"compress,omitempty"`
}

// ServerLoggingConfig controls server log formatting and verbosity.
type ServerLoggingConfig struct {
	Format         string            `yaml:"format,omitempty"` // "text" or "json"
	Level          string            `yaml:"level,omitempty"`  // "error","info","verbose","debug"
	LogEveryN      int               `yaml:"log_every_n,omitempty"`
	IncludeHexDump bool              `yaml:"include_hex_dump,omitempty"`
	LogFile        string            `yaml:"log_file,omitempty"`
	Rotation       LogRotationConfig `yaml:"rotation,omitempty"`
}

// APIConfig controls the HTTP status API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker"`
	Port      int    `yaml:"port"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	ClientID  string `yaml:"client_id,omitempty"`
	TopicRoot string `yaml:"topic_root,omitempty"`
	QoS       int    `yaml:"qos,omitempty"`
	UseTLS    bool   `yaml:"use_tls,omitempty"`
}

// RedisConfig holds Redis/Valkey publisher configuration.
type RedisConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"` // host:port
	Password       string `yaml:"password,omitempty"`
	Database       int    `yaml:"database"`
	KeyPrefix      string `yaml:"key_prefix,omitempty"`
	KeyTTLSeconds  int    `yaml:"key_ttl_seconds,omitempty"`
	PublishChanges bool   `yaml:"publish_changes,omitempty"`
	UseTLS         bool   `yaml:"use_tls,omitempty"`
}

// KafkaConfig holds Kafka publisher configuration.
type KafkaConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Brokers      []string `yaml:"brokers"`
	Topic        string   `yaml:"topic,omitempty"`
	RequiredAcks int      `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	UseTLS       bool     `yaml:"use_tls,omitempty"`
}

// PublishConfig groups the tag-change publishers.
type PublishConfig struct {
	QueueSize int         `yaml:"queue_size,omitempty"`
	MQTT      MQTTConfig  `yaml:"mqtt,omitempty"`
	Redis     RedisConfig `yaml:"redis,omitempty"`
	Kafka     KafkaConfig `yaml:"kafka,omitempty"`
}

// CaptureConfig controls PCAP recording of served traffic.
type CaptureConfig struct {
	PCAPFile string `yaml:"pcap_file,omitempty"`
}

// ServerConfig represents the server configuration
type ServerConfig struct {
	Server    ServerConfigSection `yaml:"server"`
	ENIP      ServerENIPConfig    `yaml:"enip,omitempty"`
	Tags      []TagConfig         `yaml:"tags"`
	Simulator SimulatorConfig     `yaml:"simulator,omitempty"`
	Logging   ServerLoggingConfig `yaml:"logging,omitempty"`
	API       APIConfig           `yaml:"api,omitempty"`
	Publish   PublishConfig       `yaml:"publish,omitempty"`
	Capture   CaptureConfig       `yaml:"capture,omitempty"`
}

// CreateDefaultServerConfig returns the two-tag mock controller.
func CreateDefaultServerConfig() *ServerConfig {
	cfg := &ServerConfig{
		Server: ServerConfigSection{
			Name:     "PLCSIM",
			ListenIP: DefaultListenIP,
			TCPPort:  DefaultTCPPort,
		},
		Tags: []TagConfig{
			{Name: DefaultMotorTag, Type: "BOOL", Value: true},
			{Name: DefaultCounterTag, Type: "DINT", Value: 0},
		},
	}
	ApplyServerDefaults(cfg)
	return cfg
}

// LoadServerConfig reads, defaults and validates a YAML file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s\n\n"+
				"To fix this:\n"+
				"  1. Write the default config: plcsim print-default-config > plcsim.yaml\n"+
				"  2. Edit plcsim.yaml with your tags and listener settings\n"+
				"  3. Or run without a file: plcsim serve --tag NAME=TYPE[:VALUE]", path)
		}
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	return ParseServerConfig(data)
}

// ParseServerConfig decodes YAML, applies defaults and validates.
func ParseServerConfig(data []byte) (*ServerConfig, error) {
	var cfg ServerConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	ApplyServerDefaults(&cfg)

	if err := ValidateServerConfig(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// MarshalServerConfig renders a config as YAML.
func MarshalServerConfig(cfg *ServerConfig) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode YAML: %w", err)
	}
	return buf.Bytes(), nil
}

// ApplyServerDefaults fills zero values. It is safe to call repeatedly.
func ApplyServerDefaults(cfg *ServerConfig) {
	if cfg.Server.Name == "" {
		cfg.Server.Name = "PLCSIM"
	}
	if cfg.Server.ListenIP == "" {
		cfg.Server.ListenIP = DefaultListenIP
	}
	if cfg.Server.TCPPort == 0 {
		cfg.Server.TCPPort = DefaultTCPPort
	}
	applyServerENIPDefaults(cfg)
	applySimulatorDefaults(cfg)
	applyServerLoggingDefaults(cfg)
	applyPublishDefaults(cfg)
	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
}

func applyServerENIPDefaults(cfg *ServerConfig) {
	if cfg.ENIP.Session.MaxSessions == 0 {
		cfg.ENIP.Session.MaxSessions = DefaultMaxSessions
	}
	if cfg.ENIP.Session.IdleTimeoutMs == 0 {
		cfg.ENIP.Session.IdleTimeoutMs = DefaultIdleTimeoutMs
	}
}

func applySimulatorDefaults(cfg *ServerConfig) {
	cfg.Simulator.Enabled = boolPtrDefault(cfg.Simulator.Enabled, true)
	if cfg.Simulator.IntervalMs == 0 {
		cfg.Simulator.IntervalMs = DefaultSimIntervalMs
	}
	if cfg.Simulator.CounterTag == "" {
		cfg.Simulator.CounterTag = DefaultCounterTag
	}
	if cfg.Simulator.MotorTag == "" {
		cfg.Simulator.MotorTag = DefaultMotorTag
	}
	if cfg.Simulator.ToggleEvery == 0 {
		cfg.Simulator.ToggleEvery = DefaultToggleEvery
	}
}

func applyServerLoggingDefaults(cfg *ServerConfig) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.LogEveryN == 0 {
		cfg.Logging.LogEveryN = 1
	}
}

func applyPublishDefaults(cfg *ServerConfig) {
	if cfg.Publish.QueueSize == 0 {
		cfg.Publish.QueueSize = DefaultPublishQueueLen
	}
	if cfg.Publish.MQTT.Port == 0 {
		cfg.Publish.MQTT.Port = 1883
	}
	if cfg.Publish.MQTT.TopicRoot == "" {
		cfg.Publish.MQTT.TopicRoot = DefaultMQTTTopicRoot
	}
	if cfg.Publish.MQTT.ClientID == "" {
		cfg.Publish.MQTT.ClientID = "plcsim-" + strings.ToLower(cfg.Server.Name)
	}
	if cfg.Publish.Redis.KeyPrefix == "" {
		cfg.Publish.Redis.KeyPrefix = DefaultRedisKeyPrefix
	}
	if cfg.Publish.Kafka.Topic == "" {
		cfg.Publish.Kafka.Topic = DefaultKafkaTopic
	}
}

func boolPtrDefault(value *bool, def bool) *bool {
	if value != nil {
		return value
	}
	v := def
	return &v
}

// SimulatorEnabled reports whether the simulator should run.
func (c *ServerConfig) SimulatorEnabled() bool {
	return c.Simulator.Enabled == nil || *c.Simulator.Enabled
}

// SetSimulatorEnabled overrides the simulator switch.
func (c *ServerConfig) SetSimulatorEnabled(enabled bool) {
	c.Simulator.Enabled = &enabled
}

// SimulatorInterval returns the tick period.
func (c *ServerConfig) SimulatorInterval() time.Duration {
	return time.Duration(c.Simulator.IntervalMs) * time.Millisecond
}

// IdleTimeout returns the session idle timeout.
func (c *ServerConfig) IdleTimeout() time.Duration {
	return time.Duration(c.ENIP.Session.IdleTimeoutMs) * time.Millisecond
}

// ListenAddr returns the ENIP listen address as host:port.
func (c *ServerConfig) ListenAddr() string {
	return net.JoinHostPort(c.Server.ListenIP, fmt.Sprintf("%d", c.Server.TCPPort))
}

// Resolve converts the declaration into a type and initial value.
func (t TagConfig) Resolve() (codec.DataType, codec.Value, error) {
	typ, err := codec.ParseDataType(t.Type)
	if err != nil {
		return 0, codec.Value{}, err
	}
	value, err := codec.ValueFromInterface(typ, t.Value)
	if err != nil {
		return 0, codec.Value{}, err
	}
	if !value.InRange() {
		return 0, codec.Value{}, fmt.Errorf("value %s out of range for %s", value, typ)
	}
	return typ, value, nil
}

// ParseTagFlag parses a command-line tag declaration NAME=TYPE[:VALUE],
// e.g. "Program:MainProgram.PartCount=DINT:0". The name may itself contain
// ':' and '=' is split at its last occurrence.
func ParseTagFlag(s string) (TagConfig, error) {
	idx := strings.LastIndex(s, "=")
	if idx <= 0 || idx == len(s)-1 {
		return TagConfig{}, fmt.Errorf("tag %q: want NAME=TYPE[:VALUE]", s)
	}
	name := strings.TrimSpace(s[:idx])
	spec := s[idx+1:]
	typ, value, hasValue := strings.Cut(spec, ":")
	tag := TagConfig{Name: name, Type: strings.ToUpper(strings.TrimSpace(typ))}
	if hasValue {
		tag.Value = strings.TrimSpace(value)
	}
	if _, _, err := tag.Resolve(); err != nil {
		return TagConfig{}, fmt.Errorf("tag %q: %w", s, err)
	}
	return tag, nil
}

// MergeTags replaces same-named declarations in base with those in
// overrides and appends the rest.
func MergeTags(base, overrides []TagConfig) []TagConfig {
	out := make([]TagConfig, len(base))
	copy(out, base)
	for _, o := range overrides {
		replaced := false
		for i := range out {
			if out[i].Name == o.Name {
				out[i] = o
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, o)
		}
	}
	return out
}

// ValidateServerConfig validates a server configuration
func ValidateServerConfig(cfg *ServerConfig) error {
	if cfg.Server.ListenIP != "" && net.ParseIP(cfg.Server.ListenIP) == nil {
		return fmt.Errorf("server.listen_ip %q is not an IP address", cfg.Server.ListenIP)
	}
	if cfg.Server.TCPPort < 0 || cfg.Server.TCPPort > 65535 {
		return fmt.Errorf("server.tcp_port must be between 0 and 65535")
	}
	if cfg.ENIP.Session.MaxSessions < 0 {
		return fmt.Errorf("enip.session.max_sessions must be >= 0")
	}
	if cfg.ENIP.Session.IdleTimeoutMs < 0 {
		return fmt.Errorf("enip.session.idle_timeout_ms must be >= 0")
	}

	if len(cfg.Tags) == 0 {
		return fmt.Errorf("tags must have at least one entry")
	}
	declared := make(map[string]codec.DataType, len(cfg.Tags))
	for i, tag := range cfg.Tags {
		if err := validateTag(tag, i); err != nil {
			return err
		}
		if _, dup := declared[tag.Name]; dup {
			return fmt.Errorf("tags[%d]: duplicate tag name %q", i, tag.Name)
		}
		typ, _, _ := tag.Resolve()
		declared[tag.Name] = typ
	}

	if cfg.SimulatorEnabled() {
		if cfg.Simulator.IntervalMs < 0 {
			return fmt.Errorf("simulator.interval_ms must be >= 0")
		}
		if cfg.Simulator.ToggleEvery < 0 {
			return fmt.Errorf("simulator.toggle_every must be >= 0")
		}
		if err := requireDeclared(declared, "simulator.counter_tag", cfg.Simulator.CounterTag, codec.TypeDINT); err != nil {
			return err
		}
		if err := requireDeclared(declared, "simulator.motor_tag", cfg.Simulator.MotorTag, codec.TypeBOOL); err != nil {
			return err
		}
	}

	if cfg.Logging.Level != "" {
		switch strings.ToLower(cfg.Logging.Level) {
		case "silent", "error", "info", "verbose", "debug":
		default:
			return fmt.Errorf("logging.level must be silent, error, info, verbose, or debug")
		}
	}
	if cfg.Logging.Format != "" {
		switch strings.ToLower(cfg.Logging.Format) {
		case "text", "json":
		default:
			return fmt.Errorf("logging.format must be text or json")
		}
	}
	if cfg.Logging.LogEveryN < 0 {
		return fmt.Errorf("logging.log_every_n must be >= 0")
	}
	if r := cfg.Logging.Rotation; r.MaxSizeMB < 0 || r.MaxBackups < 0 || r.MaxAgeDays < 0 {
		return fmt.Errorf("logging.rotation values must be >= 0")
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen: %w", err)
		}
	}

	return validatePublish(cfg.Publish)
}

func validateTag(tag TagConfig, index int) error {
	if tag.Name == "" {
		return fmt.Errorf("tags[%d]: name is required", index)
	}
	if tag.Type == "" {
		return fmt.Errorf("tags[%d]: type is required", index)
	}
	if _, _, err := tag.Resolve(); err != nil {
		return fmt.Errorf("tags[%d] (%s): %w", index, tag.Name, err)
	}
	return nil
}

func requireDeclared(declared map[string]codec.DataType, field, name string, want codec.DataType) error {
	typ, ok := declared[name]
	if !ok {
		return fmt.Errorf("%s %q is not declared in tags (disable the simulator or declare it)", field, name)
	}
	if typ != want {
		return fmt.Errorf("%s %q must be %s, declared %s", field, name, want, typ)
	}
	return nil
}

func validatePublish(p PublishConfig) error {
	if p.QueueSize < 0 {
		return fmt.Errorf("publish.queue_size must be >= 0")
	}
	if p.MQTT.Enabled {
		if p.MQTT.Broker == "" {
			return fmt.Errorf("publish.mqtt.broker is required when enabled")
		}
		if p.MQTT.Port <= 0 || p.MQTT.Port > 65535 {
			return fmt.Errorf("publish.mqtt.port must be between 1 and 65535")
		}
		if p.MQTT.QoS < 0 || p.MQTT.QoS > 2 {
			return fmt.Errorf("publish.mqtt.qos must be 0, 1 or 2")
		}
	}
	if p.Redis.Enabled {
		if _, _, err := net.SplitHostPort(p.Redis.Address); err != nil {
			return fmt.Errorf("publish.redis.address: %w", err)
		}
		if p.Redis.Database < 0 {
			return fmt.Errorf("publish.redis.database must be >= 0")
		}
	}
	if p.Kafka.Enabled {
		if len(p.Kafka.Brokers) == 0 {
			return fmt.Errorf("publish.kafka.brokers must have at least one entry when enabled")
		}
		switch p.Kafka.RequiredAcks {
		case -1, 0, 1:
		default:
			return fmt.Errorf("publish.kafka.required_acks must be -1, 0 or 1")
		}
	}
	return nil
}
