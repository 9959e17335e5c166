// Package config loads and validates DriverConfig, the driver's
// top-level configuration object — connection pool sizing, routing,
// authentication, and transport security — from YAML or from values
// set programmatically.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EncryptionLevel selects whether connections to cluster members are
// required, attempted, or skipped.
type EncryptionLevel int

const (
	EncryptionRequired EncryptionLevel = iota
	EncryptionOptional
	EncryptionNone
)

func (l EncryptionLevel) String() string {
	switch l {
	case EncryptionRequired:
		return "required"
	case EncryptionOptional:
		return "optional"
	default:
		return "none"
	}
}

func parseEncryptionLevel(s string) (EncryptionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "required":
		return EncryptionRequired, nil
	case "optional":
		return EncryptionOptional, nil
	case "none":
		return EncryptionNone, nil
	default:
		return 0, fmt.Errorf("unknown encryption level %q", s)
	}
}

// TrustStrategy selects which root pool and verification mode the
// driver's TLS config uses (internal/pki.NewTLSConfig).
type TrustStrategy int

const (
	TrustSystemCA TrustStrategy = iota
	TrustCustomCA
	TrustAll
)

func (s TrustStrategy) String() string {
	switch s {
	case TrustCustomCA:
		return "trust_custom_ca"
	case TrustAll:
		return "trust_all"
	default:
		return "trust_system_ca"
	}
}

func parseTrustStrategy(s string) (TrustStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "trust_system_ca":
		return TrustSystemCA, nil
	case "trust_custom_ca":
		return TrustCustomCA, nil
	case "trust_all":
		return TrustAll, nil
	default:
		return 0, fmt.Errorf("unknown trust strategy %q", s)
	}
}

// DriverConfig is the complete configuration of a driver instance,
// loaded from YAML with LoadDriverConfig or assembled programmatically
// and passed through Validate directly.
type DriverConfig struct {
	Pool     PoolConfig     `yaml:"pool"`
	Routing  RoutingConfig  `yaml:"routing"`
	Security SecurityConfig `yaml:"security"`
	Logging  LoggingInfo    `yaml:"logging"`

	// parsed fields, filled in by Validate; not read from YAML.
	encryptionLevel EncryptionLevel `yaml:"-"`
	trustStrategy   TrustStrategy   `yaml:"-"`
}

// PoolConfig configures the per-address SocketConnectionPool and the
// cluster-wide janitor (internal/pool).
type PoolConfig struct {
	MaxConnectionPoolSize        int           `yaml:"max_connection_pool_size"`
	ConnectionAcquisitionTimeout time.Duration `yaml:"connection_acquisition_timeout"`
	MaxIdleConnectionLifetime    time.Duration `yaml:"max_idle_connection_lifetime"`
	DialBackoffPerSecond         float64       `yaml:"dial_backoff_per_second"`
}

// RoutingConfig configures the causal-cluster routing table manager
// (internal/routing).
type RoutingConfig struct {
	InitialRouters       []string       `yaml:"initial_routers"`
	RoutingTableTTLFloor time.Duration  `yaml:"routing_table_ttl_floor"`
	AuthToken            map[string]any `yaml:"auth_token"`
}

// SecurityConfig configures transport encryption (internal/pki).
type SecurityConfig struct {
	EncryptionLevel string `yaml:"encryption_level"` // required|optional|none
	TrustStrategy   string `yaml:"trust_strategy"`   // trust_system_ca|trust_custom_ca|trust_all
	CustomCACert    string `yaml:"custom_ca_cert"`
}

// LoggingInfo mirrors the teacher's logging config shape: a level
// string and an output format, parsed by internal/logging.New.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadDriverConfig reads and validates the YAML file at path.
func LoadDriverConfig(path string) (*DriverConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading driver config: %w", err)
	}

	var cfg DriverConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing driver config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating driver config: %w", err)
	}

	return &cfg, nil
}

// EncryptionLevel returns the parsed encryption level. Validate must
// have run first (LoadDriverConfig always runs it; callers building a
// DriverConfig by hand must call Validate themselves).
func (c *DriverConfig) EncryptionLevel() EncryptionLevel { return c.encryptionLevel }

// TrustStrategy returns the parsed trust strategy.
func (c *DriverConfig) TrustStrategy() TrustStrategy { return c.trustStrategy }

// Validate checks required fields and fills in defaults, mirroring the
// teacher's field-by-field validate() pattern: each missing required
// field returns a distinct fmt.Errorf, and zero-valued durations are
// replaced with sensible defaults rather than rejected.
func (c *DriverConfig) Validate() error {
	if len(c.Routing.InitialRouters) == 0 {
		return fmt.Errorf("routing.initial_routers must have at least one entry")
	}

	if c.Pool.MaxConnectionPoolSize <= 0 {
		c.Pool.MaxConnectionPoolSize = 500
	}
	if c.Pool.ConnectionAcquisitionTimeout <= 0 {
		c.Pool.ConnectionAcquisitionTimeout = 60 * time.Second
	}
	if c.Pool.MaxIdleConnectionLifetime <= 0 {
		c.Pool.MaxIdleConnectionLifetime = 1 * time.Hour
	}
	if c.Pool.DialBackoffPerSecond < 0 {
		return fmt.Errorf("pool.dial_backoff_per_second must be >= 0, got %f", c.Pool.DialBackoffPerSecond)
	}

	if c.Routing.RoutingTableTTLFloor <= 0 {
		c.Routing.RoutingTableTTLFloor = 5 * time.Second
	}

	level, err := parseEncryptionLevel(c.Security.EncryptionLevel)
	if err != nil {
		return fmt.Errorf("security.encryption_level: %w", err)
	}
	c.encryptionLevel = level

	strategy, err := parseTrustStrategy(c.Security.TrustStrategy)
	if err != nil {
		return fmt.Errorf("security.trust_strategy: %w", err)
	}
	if strategy == TrustCustomCA && c.Security.CustomCACert == "" {
		return fmt.Errorf("security.custom_ca_cert is required when trust_strategy is trust_custom_ca")
	}
	c.trustStrategy = strategy

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256mb"/"1gb" to
// bytes, ordered longest-suffix-first so "mb" isn't mistaken for "b".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
