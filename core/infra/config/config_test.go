package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{envRedisURL, envStoreBackend, envAuditBackend, envSwarmMaxFanOut, envGatewayTimeout, envNATSURL} {
		t.Setenv(key, "")
	}
	cfg := Load()
	if cfg.RedisURL != defaultRedisURL || cfg.StoreBackend != StoreMemory || cfg.AuditBackend != AuditStore {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SwarmMaxFanOut != 10 || cfg.GatewayTimeout != 30*time.Second {
		t.Fatalf("unexpected numeric defaults: %+v", cfg)
	}
	if cfg.NatsURL != "" {
		t.Fatalf("audit tap must be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envStoreBackend, "REDIS")
	t.Setenv(envSwarmMaxFanOut, "4")
	t.Setenv(envGatewayTimeout, "5s")
	t.Setenv(envNATSURL, "nats://bus:4222")
	cfg := Load()
	if cfg.StoreBackend != StoreRedis || cfg.SwarmMaxFanOut != 4 || cfg.GatewayTimeout != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.NatsURL != "nats://bus:4222" {
		t.Fatalf("unexpected nats url %q", cfg.NatsURL)
	}
}

func TestLoadInvalidNumbersFallBack(t *testing.T) {
	t.Setenv(envSwarmMaxFanOut, "many")
	t.Setenv(envGatewayTimeout, "-1s")
	cfg := Load()
	if cfg.SwarmMaxFanOut != defaultSwarmMaxFanOut || cfg.GatewayTimeout != defaultGatewayTimeout {
		t.Fatalf("expected defaults on bad input: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{StoreBackend: "etcd", AuditBackend: AuditStore, SwarmMaxFanOut: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown store backend to fail")
	}
	cfg = &Config{StoreBackend: StoreMemory, AuditBackend: AuditPostgres, SwarmMaxFanOut: 1}
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), envPostgresURL) {
		t.Fatalf("expected postgres url requirement, got %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("SERVICE_NAME=from-file\nOPS_ADDR=:7000\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv(envFile, path)
	t.Setenv(envServiceName, "")
	t.Setenv(envOpsAddr, ":8000")
	os.Unsetenv(envServiceName)
	if err := LoadEnvFile(); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	cfg := Load()
	if cfg.ServiceName != "from-file" {
		t.Fatalf("expected value from env file, got %q", cfg.ServiceName)
	}
	if cfg.OpsAddr != ":8000" {
		t.Fatalf("env file must not override existing variables, got %q", cfg.OpsAddr)
	}

	t.Setenv(envFile, filepath.Join(dir, "missing.env"))
	if err := LoadEnvFile(); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}
