// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"

	"github.com/sparkbloom/clinic-engine/reconcile"
)

type Config struct {
	Port     string   `mapstructure:"PORT"`
	Env      string   `mapstructure:"ENV"`
	LogLevel string   `mapstructure:"LOG_LEVEL"`
	DBPath   string   `mapstructure:"DB_PATH"`
	CORS     []string `mapstructure:"CORS_ORIGINS"`
	Timezone string   `mapstructure:"TIMEZONE"` // for email and export dates

	// Calendar provider
	AzureTenantID     string   `mapstructure:"AZURE_TENANT_ID"`
	AzureClientID     string   `mapstructure:"AZURE_CLIENT_ID"`
	AzureClientSecret string   `mapstructure:"AZURE_CLIENT_SECRET"`
	GraphBaseURL      string   `mapstructure:"GRAPH_BASE_URL"`
	CalendarIDs       []string `mapstructure:"OUTLOOK_CALENDAR_IDS"`

	// Reconciler and jobs
	SyncStrategy    string        `mapstructure:"SYNC_STRATEGY"`
	SyncInterval    time.Duration `mapstructure:"SYNC_INTERVAL"`
	SyncWindow      time.Duration `mapstructure:"SYNC_WINDOW"`
	SyncCallTimeout time.Duration `mapstructure:"SYNC_CALL_TIMEOUT"`
	EmailInterval   time.Duration `mapstructure:"EMAIL_INTERVAL"`
	JobsEnabled     bool          `mapstructure:"JOBS_ENABLED"`

	// Confirmation workflow
	JWTSecret      string `mapstructure:"JWT_SECRET"`
	BaseURL        string `mapstructure:"BASE_URL"`
	TherapistEmail string `mapstructure:"THERAPIST_EMAIL"`
	SMTPHost       string `mapstructure:"SMTP_HOST"`
	SMTPPort       int    `mapstructure:"SMTP_PORT"`
	SMTPUser       string `mapstructure:"SMTP_USER"`
	SMTPPass       string `mapstructure:"SMTP_PASS"`
	SMTPFrom       string `mapstructure:"SMTP_FROM"`

	SentryDSN string `mapstructure:"SENTRY_DSN"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DB_PATH", "CORS_ORIGINS", "TIMEZONE",
	"AZURE_TENANT_ID", "AZURE_CLIENT_ID", "AZURE_CLIENT_SECRET", "GRAPH_BASE_URL", "OUTLOOK_CALENDAR_IDS",
	"SYNC_STRATEGY", "SYNC_INTERVAL", "SYNC_WINDOW", "SYNC_CALL_TIMEOUT", "EMAIL_INTERVAL", "JOBS_ENABLED",
	"JWT_SECRET", "BASE_URL", "THERAPIST_EMAIL",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASS", "SMTP_FROM",
	"SENTRY_DSN",
}

// Load reads .env (when present) and the environment. Environment variables
// win over the file.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_PATH", "clinic.db")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("TIMEZONE", "Europe/Lisbon")
	v.SetDefault("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0")
	v.SetDefault("SYNC_STRATEGY", "subject")
	v.SetDefault("SYNC_INTERVAL", "5m")
	v.SetDefault("SYNC_WINDOW", "720h")
	v.SetDefault("SYNC_CALL_TIMEOUT", "30s")
	v.SetDefault("EMAIL_INTERVAL", "1m")
	v.SetDefault("JOBS_ENABLED", false)
	v.SetDefault("BASE_URL", "http://localhost:8080")
	v.SetDefault("SMTP_PORT", 587)

	// Bind explicitly so Unmarshal sees variables that have no default.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORS = splitList(v.GetString("CORS_ORIGINS"))
	cfg.CalendarIDs = splitList(v.GetString("OUTLOOK_CALENDAR_IDS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if _, err := reconcile.ParseStrategy(c.SyncStrategy); err != nil {
		return fmt.Errorf("SYNC_STRATEGY: %w", err)
	}
	if c.JobsEnabled {
		if c.AzureTenantID == "" || c.AzureClientID == "" || c.AzureClientSecret == "" {
			return fmt.Errorf("AZURE_TENANT_ID, AZURE_CLIENT_ID and AZURE_CLIENT_SECRET are required when JOBS_ENABLED is true")
		}
		if c.SyncInterval <= 0 || c.EmailInterval <= 0 {
			return fmt.Errorf("SYNC_INTERVAL and EMAIL_INTERVAL must be positive")
		}
	}
	if c.SyncWindow <= 0 {
		return fmt.Errorf("SYNC_WINDOW must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}
	return nil
}

// Location returns the configured time zone, UTC when unset or unknown.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Secret returns the magic-link signing secret. Outside production a fixed
// development secret is used when none is configured.
func (c *Config) Secret() string {
	if c.JWTSecret != "" {
		return c.JWTSecret
	}
	return "development-only-secret-change-me"
}
