// Package config loads process configuration from the environment and an
// optional config file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/wallet-ledger/internal/requests"
)

// Config holds the application configuration.
type Config struct {
	Environment string `mapstructure:"APP_ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	DatabaseDriver   string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns int    `mapstructure:"DATABASE_MAX_CONNS"`

	RedisAddr string `mapstructure:"REDIS_ADDR"`

	EventBroker  string `mapstructure:"EVENT_BROKER"`
	AMQPURL      string `mapstructure:"AMQP_URL"`
	AMQPExchange string `mapstructure:"AMQP_EXCHANGE"`
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"KAFKA_TOPIC"`

	APIAddr              string        `mapstructure:"API_ADDR"`
	GRPCAddr             string        `mapstructure:"GRPC_ADDR"`
	TLSCertFile          string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile           string        `mapstructure:"TLS_KEY_FILE"`
	TLSCAFile            string        `mapstructure:"TLS_CA_FILE"`
	TLSRequireClientAuth bool          `mapstructure:"TLS_REQUIRE_CLIENT_AUTH"`
	MaxBodyBytes         int64         `mapstructure:"MAX_BODY_BYTES"`
	RateLimitCapacity    int           `mapstructure:"RATE_LIMIT_CAPACITY"`
	RateLimitRefill      float64       `mapstructure:"RATE_LIMIT_REFILL_PER_SEC"`
	IPAllowlist          string        `mapstructure:"IP_ALLOWLIST"`
	CORSAllowedOrigins   string        `mapstructure:"CORS_ALLOWED_ORIGINS"`
	OAuthIssuer          string        `mapstructure:"OAUTH_ISSUER"`
	OAuthSigningKeyFile  string        `mapstructure:"OAUTH_SIGNING_KEY_FILE"`
	AccessTokenTTL       time.Duration `mapstructure:"ACCESS_TOKEN_TTL"`

	SchedulerRunSpec   string `mapstructure:"SCHEDULER_RUN_SPEC"`
	SchedulerWatchSpec string `mapstructure:"SCHEDULER_WATCH_SPEC"`
	SchedulerBatchSize int    `mapstructure:"SCHEDULER_BATCH_SIZE"`

	KMSKeyStore string `mapstructure:"KMS_KEY_STORE"`

	subjects map[requests.Subject]requests.SubjectSettings
}

var defaults = map[string]any{
	"APP_ENV":                   "development",
	"LOG_LEVEL":                 "info",
	"DATABASE_DRIVER":           "sqlite3",
	"DATABASE_MAX_CONNS":        10,
	"EVENT_BROKER":              "log",
	"AMQP_EXCHANGE":             "wallet.events",
	"KAFKA_TOPIC":               "wallet.events",
	"API_ADDR":                  ":8080",
	"GRPC_ADDR":                 ":9090",
	"MAX_BODY_BYTES":            1 << 20,
	"RATE_LIMIT_CAPACITY":       0,
	"RATE_LIMIT_REFILL_PER_SEC": 0,
	"OAUTH_ISSUER":              "wallet-ledger",
	"ACCESS_TOKEN_TTL":          "15m",
	"SCHEDULER_RUN_SPEC":        "*/5 * * * *",
	"SCHEDULER_WATCH_SPEC":      "0 1 * * *",
	"SCHEDULER_BATCH_SIZE":      100,
}

// Keys with no default that still have to reach Unmarshal.
var bound = []string{
	"DATABASE_URL", "REDIS_ADDR", "AMQP_URL", "KAFKA_BROKERS",
	"TLS_CERT_FILE", "TLS_KEY_FILE", "TLS_CA_FILE", "TLS_REQUIRE_CLIENT_AUTH",
	"IP_ALLOWLIST", "CORS_ALLOWED_ORIGINS", "OAUTH_SIGNING_KEY_FILE", "KMS_KEY_STORE",
}

// Load reads the environment and, when CONFIG_FILE is set, that file.
// Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	for k := range defaults {
		_ = v.BindEnv(k)
	}
	for _, k := range bound {
		_ = v.BindEnv(k)
	}
	for _, s := range requests.Subjects() {
		_ = v.BindEnv(actionKey(s))
		_ = v.BindEnv(tanKey(s))
	}

	_ = v.BindEnv("CONFIG_FILE")
	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.subjects = make(map[requests.Subject]requests.SubjectSettings)
	for _, s := range requests.Subjects() {
		set := requests.SubjectSettings{
			ActionRequired: v.GetBool(actionKey(s)),
			TANRequired:    v.GetBool(tanKey(s)),
		}
		if set != (requests.SubjectSettings{}) {
			cfg.subjects[s] = set
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func actionKey(s requests.Subject) string { return strings.ToUpper(string(s)) + "_ACTION_REQUIRED" }

func tanKey(s requests.Subject) string { return strings.ToUpper(string(s)) + "_TAN_REQUIRED" }

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var missing []string
	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	switch c.EventBroker {
	case "rabbitmq":
		if c.AMQPURL == "" {
			missing = append(missing, "AMQP_URL")
		}
	case "kafka":
		if c.KafkaBrokers == "" {
			missing = append(missing, "KAFKA_BROKERS")
		}
	}
	if c.Production() && c.KMSKeyStore == "" {
		missing = append(missing, "KMS_KEY_STORE")
	}
	if c.Production() && c.OAuthSigningKeyFile == "" {
		missing = append(missing, "OAUTH_SIGNING_KEY_FILE")
	}
	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	switch c.DatabaseDriver {
	case "pgx", "sqlite3":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be pgx or sqlite3, got %q", c.DatabaseDriver)
	}
	switch c.EventBroker {
	case "rabbitmq", "kafka", "log":
	default:
		return fmt.Errorf("EVENT_BROKER must be rabbitmq, kafka or log, got %q", c.EventBroker)
	}
	if c.Production() && c.DatabaseDriver != "pgx" {
		return errors.New("DATABASE_DRIVER must be pgx in " + c.Environment)
	}
	if c.SchedulerBatchSize <= 0 {
		return errors.New("SCHEDULER_BATCH_SIZE must be positive")
	}
	return nil
}

// Production reports whether the environment holds real money.
func (c *Config) Production() bool {
	return c.Environment == "production" || c.Environment == "staging"
}

// Settings returns the per-subject gating flags as an immutable snapshot.
func (c *Config) Settings() requests.Settings {
	return requests.NewSettings(c.subjects)
}

// Level parses LOG_LEVEL, falling back to info.
func (c *Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Brokers splits KAFKA_BROKERS.
func (c *Config) Brokers() []string { return splitList(c.KafkaBrokers) }

// AllowedCIDRs splits IP_ALLOWLIST.
func (c *Config) AllowedCIDRs() []string { return splitList(c.IPAllowlist) }

// CORSOrigins splits CORS_ALLOWED_ORIGINS.
func (c *Config) CORSOrigins() []string { return splitList(c.CORSAllowedOrigins) }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
