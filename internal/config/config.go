package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the admin auth service.
// Loaded once at startup from the environment (plus an optional .env file)
// and injected into every component through the factory.
type Config struct {
	Environment string

	Server     ServerConfig
	Logging    LoggingConfig
	Security   SecurityConfig
	Store      StoreConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	Clickhouse ClickhouseConfig
	Kafka      KafkaConfig
}

type ServerConfig struct {
	Host          string
	Port          int
	TLSPort       int
	EnableTLS     bool
	AutoCert      bool
	Domain        string
	CertFile      string
	KeyFile       string
	AutoCertDir   string
	AutoCertEmail string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// RateLimitRule is a fixed-window limit: MaxRequests per Window.
type RateLimitRule struct {
	MaxRequests int
	Window      time.Duration
}

// SecurityConfig carries every knob the auth engine recognizes.
type SecurityConfig struct {
	AdminUsername     string
	AdminPasswordHash string // argon2id encoded hash of the admin password
	MasterSecret      string // key material for the secret cipher KDF
	JWTSecret         string // HMAC key for claims tokens
	TOTPIssuer        string

	MaxFailedAttempts   int
	LockoutDuration     time.Duration
	SessionDuration     time.Duration
	ChallengeDuration   time.Duration
	TOTPWindowSteps     int
	BackupCodeCount     int
	ValidateIPOnSession bool
	TOTPEnforced        bool

	LoginRateLimit     RateLimitRule
	SensitiveRateLimit RateLimitRule
	AdminRateLimit     RateLimitRule

	Argon2MemoryKiB   int
	Argon2Iterations  int
	Argon2Parallelism int
}

type StoreConfig struct {
	Backend string // "memory" or "scylla"
}

type RedisConfig struct {
	Enabled  bool
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Hosts    []string
	Keyspace string
	Username string
	Password string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Database string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
}

var (
	global *Config
	mu     sync.RWMutex
)

// LoadConfig reads configuration from the environment. Missing optional
// values fall back to defaults; security-critical values have no defaults
// and are checked by Validate.
func LoadConfig() *Config {
	// A missing .env file is fine; plain environment variables still apply.
	_ = godotenv.Load()

	cfg := &Config{
		Environment: GetEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:          GetEnv("SERVER_HOST", "0.0.0.0"),
			Port:          getEnvInt("SERVER_PORT", 8080),
			TLSPort:       getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:     getEnvBool("ENABLE_TLS", false),
			AutoCert:      getEnvBool("AUTO_CERT", false),
			Domain:        GetEnv("SERVER_DOMAIN", "localhost"),
			CertFile:      GetEnv("TLS_CERT_FILE", ""),
			KeyFile:       GetEnv("TLS_KEY_FILE", ""),
			AutoCertDir:   GetEnv("AUTO_CERT_DIR", "./certs"),
			AutoCertEmail: GetEnv("AUTO_CERT_EMAIL", ""),
			ReadTimeout:   getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:  getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:   getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  GetEnv("LOG_LEVEL", "info"),
			Format: GetEnv("LOG_FORMAT", "json"),
		},
		Security: SecurityConfig{
			AdminUsername:     GetEnv("ADMIN_USERNAME", ""),
			AdminPasswordHash: GetEnv("ADMIN_PASSWORD_HASH", ""),
			MasterSecret:      GetEnv("MASTER_SECRET", ""),
			JWTSecret:         GetEnv("JWT_SECRET", ""),
			TOTPIssuer:        GetEnv("TOTP_ISSUER", "admin-auth"),

			MaxFailedAttempts:   getEnvInt("MAX_FAILED_ATTEMPTS", 5),
			LockoutDuration:     time.Duration(getEnvInt("LOCKOUT_DURATION_MINUTES", 30)) * time.Minute,
			SessionDuration:     time.Duration(getEnvInt("SESSION_DURATION_HOURS", 8)) * time.Hour,
			ChallengeDuration:   getEnvDuration("CHALLENGE_DURATION", 5*time.Minute),
			TOTPWindowSteps:     getEnvInt("TOTP_WINDOW_STEPS", 2),
			BackupCodeCount:     getEnvInt("BACKUP_CODE_COUNT", 10),
			ValidateIPOnSession: getEnvBool("VALIDATE_IP_ON_SESSION", true),
			TOTPEnforced:        getEnvBool("TOTP_ENFORCED", true),

			LoginRateLimit: RateLimitRule{
				MaxRequests: getEnvInt("LOGIN_RATE_LIMIT_MAX", 10),
				Window:      time.Duration(getEnvInt("LOGIN_RATE_LIMIT_WINDOW_MINUTES", 15)) * time.Minute,
			},
			SensitiveRateLimit: RateLimitRule{
				MaxRequests: getEnvInt("SENSITIVE_RATE_LIMIT_MAX", 30),
				Window:      time.Duration(getEnvInt("SENSITIVE_RATE_LIMIT_WINDOW_MINUTES", 10)) * time.Minute,
			},
			AdminRateLimit: RateLimitRule{
				MaxRequests: getEnvInt("ADMIN_RATE_LIMIT_MAX", 300),
				Window:      time.Duration(getEnvInt("ADMIN_RATE_LIMIT_WINDOW_MINUTES", 5)) * time.Minute,
			},

			Argon2MemoryKiB:   getEnvInt("ARGON2_MEMORY_KIB", 64*1024),
			Argon2Iterations:  getEnvInt("ARGON2_ITERATIONS", 3),
			Argon2Parallelism: getEnvInt("ARGON2_PARALLELISM", 2),
		},
		Store: StoreConfig{
			Backend: GetEnv("STORE_BACKEND", "memory"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", false),
			URL:      GetEnv("REDIS_URL", "redis://localhost:6379"),
			Password: GetEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Hosts:    getEnvList("SCYLLA_HOSTS", "localhost:9042"),
			Keyspace: GetEnv("SCYLLA_KEYSPACE", "admin_auth"),
			Username: GetEnv("SCYLLA_USERNAME", ""),
			Password: GetEnv("SCYLLA_PASSWORD", ""),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
			URL:      GetEnv("CLICKHOUSE_URL", "http://localhost:8123"),
			Database: GetEnv("CLICKHOUSE_DATABASE", "admin_auth"),
			Username: GetEnv("CLICKHOUSE_USERNAME", "default"),
			Password: GetEnv("CLICKHOUSE_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvBool("KAFKA_ENABLED", false),
			Brokers:    getEnvList("KAFKA_BROKERS", "localhost:9092"),
			AuditTopic: GetEnv("KAFKA_AUDIT_TOPIC", "admin-security-events"),
		},
	}

	mu.Lock()
	global = cfg
	mu.Unlock()

	return cfg
}

// Get returns the process-wide config. LoadConfig must have run first; a
// zero Config is returned otherwise so callers fail on validation rather
// than a nil dereference.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if global == nil {
		return &Config{}
	}
	return global
}

// Validate checks the values that have no safe default.
func (c *Config) Validate() error {
	var missing []string
	if c.Security.AdminUsername == "" {
		missing = append(missing, "ADMIN_USERNAME")
	}
	if c.Security.AdminPasswordHash == "" {
		missing = append(missing, "ADMIN_PASSWORD_HASH")
	}
	if c.Security.MasterSecret == "" {
		missing = append(missing, "MASTER_SECRET")
	}
	if c.Security.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	if c.Store.Backend != "memory" && c.Store.Backend != "scylla" {
		return fmt.Errorf("unsupported store backend: %s", c.Store.Backend)
	}
	if c.Security.MaxFailedAttempts < 1 {
		return fmt.Errorf("MAX_FAILED_ATTEMPTS must be at least 1")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetEnv returns the environment variable value or a fallback.
func GetEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key, fallback string) []string {
	parts := strings.Split(GetEnv(key, fallback), ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
