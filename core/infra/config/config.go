package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/amirgulubayli/opensheath-sub001/core/infra/logging"
)

const (
	defaultRedisURL           = "redis://localhost:6379"
	defaultStoreBackend       = StoreMemory
	defaultAuditBackend       = AuditStore
	defaultAuditSubjectPrefix = "opensheath.audit"
	defaultOpsAddr            = ":9090"
	defaultGRPCHealthAddr     = ":9091"
	defaultSwarmMaxFanOut     = 10
	defaultGatewayTimeout     = 30 * time.Second
	defaultServiceName        = "opensheath-controlplane"
	defaultEnvFile            = ".env"

	envRedisURL           = "REDIS_URL"
	envStoreBackend       = "STORE_BACKEND"
	envAuditBackend       = "AUDIT_BACKEND"
	envPostgresURL        = "POSTGRES_URL"
	envNATSURL            = "NATS_URL"
	envAuditSubjectPrefix = "AUDIT_SUBJECT_PREFIX"
	envBundlePath         = "BUNDLE_PATH"
	envOpsAddr            = "OPS_ADDR"
	envGRPCHealthAddr     = "GRPC_HEALTH_ADDR"
	envSwarmMaxFanOut     = "SWARM_MAX_FANOUT"
	envGatewayTimeout     = "GATEWAY_TIMEOUT"
	envServiceName        = "SERVICE_NAME"
	envFile               = "OPENSHEATH_ENV_FILE"
)

// Storage backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Audit backends.
const (
	AuditStore    = "store"
	AuditPostgres = "postgres"
)

// Config holds runtime configuration for the control plane process.
type Config struct {
	RedisURL           string
	StoreBackend       string
	AuditBackend       string
	PostgresURL        string
	NatsURL            string
	AuditSubjectPrefix string
	BundlePath         string
	OpsAddr            string
	GRPCHealthAddr     string
	SwarmMaxFanOut     int
	GatewayTimeout     time.Duration
	ServiceName        string
}

// LoadEnvFile loads a dotenv file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile() error {
	path := strings.TrimSpace(os.Getenv(envFile))
	if path == "" {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		RedisURL:           envOr(envRedisURL, defaultRedisURL),
		StoreBackend:       strings.ToLower(envOr(envStoreBackend, defaultStoreBackend)),
		AuditBackend:       strings.ToLower(envOr(envAuditBackend, defaultAuditBackend)),
		PostgresURL:        strings.TrimSpace(os.Getenv(envPostgresURL)),
		NatsURL:            strings.TrimSpace(os.Getenv(envNATSURL)),
		AuditSubjectPrefix: envOr(envAuditSubjectPrefix, defaultAuditSubjectPrefix),
		BundlePath:         strings.TrimSpace(os.Getenv(envBundlePath)),
		OpsAddr:            envOr(envOpsAddr, defaultOpsAddr),
		GRPCHealthAddr:     envOr(envGRPCHealthAddr, defaultGRPCHealthAddr),
		SwarmMaxFanOut:     envInt(envSwarmMaxFanOut, defaultSwarmMaxFanOut),
		GatewayTimeout:     envDuration(envGatewayTimeout, defaultGatewayTimeout),
		ServiceName:        envOr(envServiceName, defaultServiceName),
	}
}

// Validate rejects combinations the process cannot start with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreRedis:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", envStoreBackend, StoreMemory, StoreRedis, c.StoreBackend)
	}
	switch c.AuditBackend {
	case AuditStore:
	case AuditPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("%s is required when %s=%s", envPostgresURL, envAuditBackend, AuditPostgres)
		}
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", envAuditBackend, AuditStore, AuditPostgres, c.AuditBackend)
	}
	if c.SwarmMaxFanOut <= 0 {
		return fmt.Errorf("%s must be positive", envSwarmMaxFanOut)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		logging.Warn("config", "invalid integer, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logging.Warn("config", "invalid duration, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
}
