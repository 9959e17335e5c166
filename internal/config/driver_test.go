package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "driver.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

const validDriverYAML = `
routing:
  initial_routers:
    - "bolt+routing://db1:7687"
`

func TestLoadDriverConfig_Minimal(t *testing.T) {
	cfgPath := writeTempConfig(t, validDriverYAML)
	cfg, err := LoadDriverConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Routing.InitialRouters) != 1 || cfg.Routing.InitialRouters[0] != "bolt+routing://db1:7687" {
		t.Errorf("unexpected initial_routers: %v", cfg.Routing.InitialRouters)
	}
	if cfg.Pool.MaxConnectionPoolSize != 500 {
		t.Errorf("expected default max_connection_pool_size 500, got %d", cfg.Pool.MaxConnectionPoolSize)
	}
	if cfg.Pool.ConnectionAcquisitionTimeout != 60*time.Second {
		t.Errorf("expected default connection_acquisition_timeout 60s, got %v", cfg.Pool.ConnectionAcquisitionTimeout)
	}
	if cfg.Routing.RoutingTableTTLFloor != 5*time.Second {
		t.Errorf("expected default routing_table_ttl_floor 5s, got %v", cfg.Routing.RoutingTableTTLFloor)
	}
	if cfg.EncryptionLevel() != EncryptionRequired {
		t.Errorf("expected default encryption level required, got %v", cfg.EncryptionLevel())
	}
	if cfg.TrustStrategy() != TrustSystemCA {
		t.Errorf("expected default trust strategy trust_system_ca, got %v", cfg.TrustStrategy())
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level info, got %q", cfg.Logging.Level)
	}
}

func TestLoadDriverConfig_MissingRouters(t *testing.T) {
	cfgPath := writeTempConfig(t, "routing:\n  initial_routers: []\n")
	_, err := LoadDriverConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for empty initial_routers")
	}
}

func TestLoadDriverConfig_CustomPoolSettings(t *testing.T) {
	content := validDriverYAML + `
pool:
  max_connection_pool_size: 50
  connection_acquisition_timeout: 10s
  max_idle_connection_lifetime: 30m
  dial_backoff_per_second: 2.5
`
	cfgPath := writeTempConfig(t, content)
	cfg, err := LoadDriverConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pool.MaxConnectionPoolSize != 50 {
		t.Errorf("expected max_connection_pool_size 50, got %d", cfg.Pool.MaxConnectionPoolSize)
	}
	if cfg.Pool.ConnectionAcquisitionTimeout != 10*time.Second {
		t.Errorf("expected connection_acquisition_timeout 10s, got %v", cfg.Pool.ConnectionAcquisitionTimeout)
	}
	if cfg.Pool.MaxIdleConnectionLifetime != 30*time.Minute {
		t.Errorf("expected max_idle_connection_lifetime 30m, got %v", cfg.Pool.MaxIdleConnectionLifetime)
	}
	if cfg.Pool.DialBackoffPerSecond != 2.5 {
		t.Errorf("expected dial_backoff_per_second 2.5, got %v", cfg.Pool.DialBackoffPerSecond)
	}
}

func TestLoadDriverConfig_NegativeDialBackoff(t *testing.T) {
	content := validDriverYAML + "pool:\n  dial_backoff_per_second: -1\n"
	cfgPath := writeTempConfig(t, content)
	_, err := LoadDriverConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for negative dial_backoff_per_second")
	}
}

func TestLoadDriverConfig_EncryptionLevels(t *testing.T) {
	for _, tc := range []struct {
		yamlValue string
		want      EncryptionLevel
	}{
		{"required", EncryptionRequired},
		{"optional", EncryptionOptional},
		{"none", EncryptionNone},
	} {
		content := validDriverYAML + "security:\n  encryption_level: " + tc.yamlValue + "\n"
		cfgPath := writeTempConfig(t, content)
		cfg, err := LoadDriverConfig(cfgPath)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.yamlValue, err)
		}
		if cfg.EncryptionLevel() != tc.want {
			t.Errorf("encryption_level %q: got %v, want %v", tc.yamlValue, cfg.EncryptionLevel(), tc.want)
		}
	}
}

func TestLoadDriverConfig_InvalidEncryptionLevel(t *testing.T) {
	content := validDriverYAML + "security:\n  encryption_level: maybe\n"
	cfgPath := writeTempConfig(t, content)
	_, err := LoadDriverConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid encryption_level")
	}
}

func TestLoadDriverConfig_TrustCustomCARequiresPath(t *testing.T) {
	content := validDriverYAML + "security:\n  trust_strategy: trust_custom_ca\n"
	cfgPath := writeTempConfig(t, content)
	_, err := LoadDriverConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for trust_custom_ca without custom_ca_cert")
	}
}

func TestLoadDriverConfig_TrustCustomCAWithPath(t *testing.T) {
	content := validDriverYAML + `
security:
  trust_strategy: trust_custom_ca
  custom_ca_cert: /tmp/ca.pem
`
	cfgPath := writeTempConfig(t, content)
	cfg, err := LoadDriverConfig(cfgPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TrustStrategy() != TrustCustomCA {
		t.Errorf("expected trust_custom_ca, got %v", cfg.TrustStrategy())
	}
}

func TestLoadDriverConfig_FileNotFound(t *testing.T) {
	_, err := LoadDriverConfig("/nonexistent/path/driver.yaml")
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
}

func TestLoadDriverConfig_InvalidYAML(t *testing.T) {
	cfgPath := writeTempConfig(t, "{{invalid yaml}}")
	_, err := LoadDriverConfig(cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestParseByteSize(t *testing.T) {
	cases := map[string]int64{
		"256mb": 256 * 1024 * 1024,
		"1gb":   1024 * 1024 * 1024,
		"512kb": 512 * 1024,
		"10b":   10,
		"42":    42,
	}
	for in, want := range cases {
		got, err := ParseByteSize(in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseByteSize_Invalid(t *testing.T) {
	if _, err := ParseByteSize("not-a-size"); err == nil {
		t.Fatal("expected error for invalid size string")
	}
	if _, err := ParseByteSize(""); err == nil {
		t.Fatal("expected error for empty size string")
	}
}
