package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"clearbook/pkg/platform/strings"
)

// Key store backends.
const (
	KeyStoreFile     = "file"
	KeyStorePostgres = "postgres"
)

// Server captures process level configuration.
type Server struct {
	Addr     string `env:"CLEARBOOK_ADDR" envDefault:":8080"`
	LogLevel string `env:"CLEARBOOK_LOG_LEVEL" envDefault:"info"`
	// json or text
	LogFormat string `env:"CLEARBOOK_LOG_FORMAT" envDefault:"json"`

	// Guards record writes and approvals. Empty disables the check.
	AdminToken string `env:"CLEARBOOK_ADMIN_TOKEN"`

	ShutdownTimeout time.Duration `env:"CLEARBOOK_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Empty means in-memory stores.
	DatabaseURL string `env:"CLEARBOOK_DATABASE_URL"`

	Redis    RedisConfig
	Kafka    KafkaConfig
	Signing  SigningConfig
	Verifier VerifierConfig
}

// RedisConfig configures the status cache connection. Empty URL disables it.
type RedisConfig struct {
	URL          string        `env:"CLEARBOOK_REDIS_URL"`
	PoolSize     int           `env:"CLEARBOOK_REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"CLEARBOOK_REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"CLEARBOOK_REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"CLEARBOOK_REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"CLEARBOOK_REDIS_WRITE_TIMEOUT" envDefault:"3s"`
	StatusTTL    time.Duration `env:"CLEARBOOK_STATUS_CACHE_TTL" envDefault:"1h"`
}

// KafkaConfig configures the audit event sink. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `env:"CLEARBOOK_KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"CLEARBOOK_KAFKA_AUDIT_TOPIC" envDefault:"clearbook.audit"`
}

// SigningConfig configures the portal signing key.
type SigningConfig struct {
	Backend   string `env:"CLEARBOOK_KEY_STORE" envDefault:"file"`
	KeyDir    string `env:"CLEARBOOK_KEY_DIR" envDefault:"./keys"`
	KeyName   string `env:"CLEARBOOK_KEY_NAME" envDefault:"portal"`
	Algorithm string `env:"CLEARBOOK_SIGNING_ALGORITHM" envDefault:"RSA-PSS-SHA256"`
	RSABits   int    `env:"CLEARBOOK_RSA_BITS" envDefault:"3072"`
}

// VerifierConfig configures verification and certificate issuance.
type VerifierConfig struct {
	BatchMax            int           `env:"CLEARBOOK_BATCH_MAX" envDefault:"50"`
	BatchWorkers        int           `env:"CLEARBOOK_BATCH_WORKERS" envDefault:"8"`
	CertificateValidity time.Duration `env:"CLEARBOOK_CERTIFICATE_VALIDITY" envDefault:"2160h"`
	AuditBuffer         int           `env:"CLEARBOOK_AUDIT_BUFFER" envDefault:"256"`
	// Requests per client IP per minute; 0 disables.
	VerifyRateLimit int `env:"CLEARBOOK_RATE_LIMIT_VERIFY" envDefault:"120"`
	BatchRateLimit  int `env:"CLEARBOOK_RATE_LIMIT_BATCH" envDefault:"20"`
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Kafka.Brokers = strings.DedupeAndTrim(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c Server) Validate() error {
	switch c.Signing.Backend {
	case KeyStoreFile:
		if c.Signing.KeyDir == "" {
			return fmt.Errorf("CLEARBOOK_KEY_DIR is required for the file key store")
		}
	case KeyStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("CLEARBOOK_DATABASE_URL is required for the postgres key store")
		}
	default:
		return fmt.Errorf("unknown key store %q", c.Signing.Backend)
	}
	if c.Verifier.BatchMax <= 0 {
		return fmt.Errorf("CLEARBOOK_BATCH_MAX must be positive")
	}
	if c.Verifier.BatchWorkers <= 0 {
		return fmt.Errorf("CLEARBOOK_BATCH_WORKERS must be positive")
	}
	return nil
}
