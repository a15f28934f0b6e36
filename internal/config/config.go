package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bastionauth/bastion/internal/models"
	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Policy   PolicyConfig
	Sweep    SweepConfig
	Alert    AlertConfig
}

type DatabaseConfig struct {
	// Driver selects the attempt-log backend: "postgres" or "sqlite".
	Driver            string
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	SQLitePath        string
}

type ServerConfig struct {
	Port            string
	Env             string
	LogLevel        string
	TrustedProxies  []string
	LoginRatePerMin int
}

// PolicyConfig is the lockout and whitelist surface. Period and
// LockoutDuration are expressed in seconds, Period zero meaning an
// unbounded counting window.
type PolicyConfig struct {
	MaxFailed         int
	Period            time.Duration
	LockoutDuration   time.Duration
	WhitelistPatterns []string
	WhitelistCounts   bool
}

type SweepConfig struct {
	Interval         time.Duration
	InactivePeriod   time.Duration // users expire after this much time without a login
	AttemptRetention time.Duration // attempt rows older than this are pruned
}

type AlertConfig struct {
	AWSRegion   string
	FromAddress string
	ToAddress   string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Driver:            getEnv("DB_DRIVER", "postgres"),
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "bastion"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			SQLitePath:        getEnv("SQLITE_PATH", "bastion.db"),
		},
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			Env:             env,
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			TrustedProxies:  getEnvAsList("TRUSTED_PROXIES"),
			LoginRatePerMin: getEnvAsInt("LOGIN_RATE_PER_MINUTE", 30),
		},
		Policy: PolicyConfig{
			MaxFailed:         getEnvAsInt("MAX_FAILED", 3),
			Period:            time.Duration(getEnvAsInt("LOCKOUT_PERIOD", 0)) * time.Second,
			LockoutDuration:   time.Duration(getEnvAsInt("LOCKOUT_DURATION", 600)) * time.Second,
			WhitelistPatterns: getEnvAsList("USERNAME_WHITELIST"),
			WhitelistCounts:   getEnvAsBool("WHITELIST_COUNTS_LOCKOUT", true),
		},
		Sweep: SweepConfig{
			Interval:         getEnvAsDuration("SWEEP_INTERVAL", 1*time.Hour),
			InactivePeriod:   time.Duration(getEnvAsInt("INACTIVE_PERIOD", 90)) * 24 * time.Hour,
			AttemptRetention: getEnvAsDuration("ATTEMPT_RETENTION", 90*24*time.Hour),
		},
		Alert: AlertConfig{
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("ALERT_FROM", ""),
			ToAddress:   getEnv("ALERT_TO", ""),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate catches misconfiguration at startup; nothing here is recoverable
// at request time.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required with the postgres driver")
		}
	case "sqlite":
	default:
		return fmt.Errorf("%w: unknown DB_DRIVER %q", models.ErrInvalidConfig, c.Database.Driver)
	}

	if c.Policy.MaxFailed <= 0 {
		return fmt.Errorf("%w: MAX_FAILED must be positive, got %d",
			models.ErrInvalidConfig, c.Policy.MaxFailed)
	}
	if c.Policy.LockoutDuration <= 0 {
		return fmt.Errorf("%w: LOCKOUT_DURATION must be positive", models.ErrInvalidConfig)
	}
	if c.Policy.Period != 0 && c.Policy.Period <= c.Policy.LockoutDuration {
		return fmt.Errorf("%w: LOCKOUT_PERIOD (%s) must exceed LOCKOUT_DURATION (%s)",
			models.ErrInvalidConfig, c.Policy.Period, c.Policy.LockoutDuration)
	}
	for _, p := range c.Policy.WhitelistPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: USERNAME_WHITELIST pattern %q: %v",
				models.ErrInvalidConfig, p, err)
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
