// Package config loads bgpd's configuration: one ServiceConfig for the
// daemon itself, a NeighborConfig per configured peer, and the Kafka/
// Postgres settings the delta feed and audit sink need. Layering and
// validation follow this engine's reference material's config loader:
// a YAML file first, environment variables as an override, defaults
// applied before either, then a single Validate pass.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

// Config is bgpd's full configuration surface.
type Config struct {
	Service   ServiceConfig               `koanf:"service"`
	Neighbors map[string]NeighborConfig    `koanf:"neighbors"`
	Kafka     KafkaConfig                 `koanf:"kafka"`
	Postgres  PostgresConfig              `koanf:"postgres"`
	Audit     AuditConfig                 `koanf:"audit"`
	Retention RetentionConfig             `koanf:"retention"`
}

// ServiceConfig is daemon-wide, not per-peer.
type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// NeighborConfig is one configured BGP peer. The map key in Config.Neighbors
// is the operator-chosen neighbor name used in logs/metrics, not a protocol
// field.
type NeighborConfig struct {
	Address       string   `koanf:"address"`
	LocalASN      uint32   `koanf:"local_asn"`
	PeerASN       uint32   `koanf:"peer_asn"`
	LocalID       string   `koanf:"local_id"` // dotted-quad router id
	HoldTimeSecs  int      `koanf:"hold_time_seconds"`
	MD5Key        string   `koanf:"md5_key"`
	TTL           int      `koanf:"ttl"` // 0 means no TTL security
	Families      []string `koanf:"families"` // e.g. "ipv4-unicast", "ipv6-unicast", "ipv4-labeled-unicast"
	RouteRefresh  bool     `koanf:"route_refresh"`
	FourByteASN   bool     `koanf:"four_byte_asn"`
	AddPathRecv   bool     `koanf:"add_path_receive"`
	AddPathSend   bool     `koanf:"add_path_send"`
	PersistRoutes bool     `koanf:"persist_routes"` // exercise the audit sink for this peer
}

type KafkaConfig struct {
	Brokers       []string       `koanf:"brokers"`
	ClientID      string         `koanf:"client_id"`
	TLS           TLSConfig      `koanf:"tls"`
	SASL          SASLConfig     `koanf:"sasl"`
	Delta         ConsumerConfig `koanf:"delta"`
	FetchMaxBytes int32          `koanf:"fetch_max_bytes"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// ConsumerConfig configures internal/deltafeed's Kafka consumer, which
// supplies pre-encoded UPDATE fragments for this engine to forward.
type ConsumerConfig struct {
	GroupID string   `koanf:"group_id"`
	Topics  []string `koanf:"topics"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// AuditConfig controls internal/audit's batched session-event persistence.
type AuditConfig struct {
	BatchSize           int  `koanf:"batch_size"`
	FlushIntervalMs      int  `koanf:"flush_interval_ms"`
	ChannelBufferSize    int  `koanf:"channel_buffer_size"`
	StoreRawBytes        bool `koanf:"store_raw_bytes"`
	StoreRawBytesCompress bool `koanf:"store_raw_bytes_compress"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// Load reads path (if non-empty), overlays BGP_ENGINE_-prefixed environment
// variables, applies defaults, unmarshals into a Config, and validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// BGP_ENGINE_KAFKA__BROKERS → kafka.brokers
	if err := k.Load(env.Provider("BGP_ENGINE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BGP_ENGINE_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "bgp-engine-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Kafka: KafkaConfig{
			ClientID:      "bgp-engine",
			FetchMaxBytes: 52428800,
			Delta: ConsumerConfig{
				GroupID: "bgp-engine-delta",
			},
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Audit: AuditConfig{
			BatchSize:             500,
			FlushIntervalMs:       200,
			ChannelBufferSize:     16,
			StoreRawBytesCompress: true,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Kafka.Brokers) == 1 && strings.Contains(cfg.Kafka.Brokers[0], ",") {
		cfg.Kafka.Brokers = strings.Split(cfg.Kafka.Brokers[0], ",")
	}
	if len(cfg.Kafka.Delta.Topics) == 1 && strings.Contains(cfg.Kafka.Delta.Topics[0], ",") {
		cfg.Kafka.Delta.Topics = strings.Split(cfg.Kafka.Delta.Topics[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch loads path, invoking onChange with every successfully reloaded and
// validated Config whenever the file changes on disk. The initial load is
// returned directly; onChange only fires for subsequent changes. A reload
// that fails validation is logged by the caller via the returned error and
// the previous Config stays in effect.
func Watch(path string, onChange func(*Config, error)) (*Config, func() error, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, err
	}
	if path == "" {
		return cfg, func() error { return nil }, nil
	}

	provider := file.Provider(path)
	stopErr := provider.Watch(func(event interface{}, watchErr error) {
		if watchErr != nil {
			onChange(nil, watchErr)
			return
		}
		reloaded, err := Load(path)
		onChange(reloaded, err)
	})
	if stopErr != nil {
		return nil, nil, fmt.Errorf("watching config file %s: %w", path, stopErr)
	}
	return cfg, func() error { return nil }, nil
}

func (c *Config) Validate() error {
	if len(c.Neighbors) == 0 {
		return fmt.Errorf("config: at least one neighbor is required")
	}
	for name, n := range c.Neighbors {
		if n.Address == "" {
			return fmt.Errorf("config: neighbors.%s.address is required", name)
		}
		if n.LocalASN == 0 {
			return fmt.Errorf("config: neighbors.%s.local_asn is required", name)
		}
		if n.HoldTimeSecs != 0 && n.HoldTimeSecs < 3 {
			return fmt.Errorf("config: neighbors.%s.hold_time_seconds must be 0 or >= 3 (got %d)", name, n.HoldTimeSecs)
		}
		if n.LocalID != "" {
			if ip := parseV4(n.LocalID); ip == nil {
				return fmt.Errorf("config: neighbors.%s.local_id is not a dotted-quad address", name)
			}
		}
	}
	if c.Audit.FlushIntervalMs <= 0 {
		return fmt.Errorf("config: audit.flush_interval_ms must be > 0 (got %d)", c.Audit.FlushIntervalMs)
	}
	if c.Audit.BatchSize <= 0 {
		return fmt.Errorf("config: audit.batch_size must be > 0 (got %d)", c.Audit.BatchSize)
	}
	if c.Audit.ChannelBufferSize <= 0 {
		return fmt.Errorf("config: audit.channel_buffer_size must be > 0 (got %d)", c.Audit.ChannelBufferSize)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if c.Postgres.DSN != "" && c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	return nil
}

func parseV4(s string) []byte {
	var b [4]int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &b[0], &b[1], &b[2], &b[3])
	if err != nil || n != 4 {
		return nil
	}
	for _, v := range b {
		if v < 0 || v > 255 {
			return nil
		}
	}
	return []byte{byte(b[0]), byte(b[1]), byte(b[2]), byte(b[3])}
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() sasl.Mechanism {
	if !k.SASL.Enabled {
		return nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism()
	default:
		return nil
	}
}
