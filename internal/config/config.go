// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	MongoURL    string `mapstructure:"MONGO_URL"`
	MongoDB     string `mapstructure:"MONGO_DB"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`

	JWTSecret string        `mapstructure:"JWT_SECRET"`
	JWTIssuer string        `mapstructure:"JWT_ISSUER"`
	JWTTTL    time.Duration `mapstructure:"JWT_TTL"`

	PrescriptionValidity   time.Duration `mapstructure:"PRESCRIPTION_VALIDITY"`
	DelegationValidity     time.Duration `mapstructure:"DELEGATION_VALIDITY"`
	ReminderInterval       time.Duration `mapstructure:"REMINDER_INTERVAL"`
	ReminderTimeout        time.Duration `mapstructure:"REMINDER_TIMEOUT"`
	ReminderRequestedAfter time.Duration `mapstructure:"REMINDER_REQUESTED_AFTER"`
	ReminderApprovedAfter  time.Duration `mapstructure:"REMINDER_APPROVED_AFTER"`

	OTLPEndpoint string   `mapstructure:"OTLP_ENDPOINT"`
	CORSOrigins  []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "MONGO_URL", "MONGO_DB", "REDIS_URL",
	"KAFKA_BROKERS",
	"JWT_SECRET", "JWT_ISSUER", "JWT_TTL",
	"PRESCRIPTION_VALIDITY", "DELEGATION_VALIDITY",
	"REMINDER_INTERVAL", "REMINDER_TIMEOUT", "REMINDER_REQUESTED_AFTER", "REMINDER_APPROVED_AFTER",
	"OTLP_ENDPOINT", "CORS_ORIGINS",
}

// Load reads .env (if present) and the environment. It does not validate.
func Load() (*Config, error) {
	return load(".env")
}

func load(file string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("MONGO_DB", "rxcollect")
	v.SetDefault("JWT_ISSUER", "rxcollect")
	v.SetDefault("JWT_TTL", "24h")
	v.SetDefault("PRESCRIPTION_VALIDITY", "672h")
	v.SetDefault("DELEGATION_VALIDITY", "720h")
	v.SetDefault("REMINDER_INTERVAL", "1h")
	v.SetDefault("REMINDER_TIMEOUT", "5m")
	v.SetDefault("REMINDER_REQUESTED_AFTER", "24h")
	v.SetDefault("REMINDER_APPROVED_AFTER", "12h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Unmarshal only sees env vars that are bound
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsDev reports whether ENV is development
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction reports whether ENV is production
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KafkaEnabled reports whether brokers are configured
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverMongo:
		if c.MongoURL == "" {
			return fmt.Errorf("MONGO_URL is required when STORE_DRIVER is %q", DriverMongo)
		}
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER %q is not allowed in production", DriverMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q",
			DriverPostgres, DriverMongo, DriverMemory, c.StoreDriver)
	}

	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 bytes")
	}
	if c.JWTTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive")
	}

	for name, d := range map[string]time.Duration{
		"PRESCRIPTION_VALIDITY":    c.PrescriptionValidity,
		"DELEGATION_VALIDITY":      c.DelegationValidity,
		"REMINDER_INTERVAL":        c.ReminderInterval,
		"REMINDER_TIMEOUT":         c.ReminderTimeout,
		"REMINDER_REQUESTED_AFTER": c.ReminderRequestedAfter,
		"REMINDER_APPROVED_AFTER":  c.ReminderApprovedAfter,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
