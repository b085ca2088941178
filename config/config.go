package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/upb/reward-governance/models"
	"github.com/upb/reward-governance/utils"
)

// Supported persistence drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config represents the complete control plane configuration
type Config struct {
	Safety        models.SafetyConfig
	Ensemble      EnsembleConfig
	Compliance    ComplianceConfig
	Persistence   PersistenceConfig
	Retention     RetentionConfig
	Observability ObservabilityConfig
	Environment   string
}

// EnsembleConfig holds default ensemble configuration.
// Weights are keyed by verifier kind; empty means uniform.
type EnsembleConfig struct {
	Weights map[string]float64
}

// ComplianceConfig holds compliance rule source configuration
type ComplianceConfig struct {
	RulesFile  string // YAML rule file; empty uses the built-in defaults
	WatchRules bool
	Debounce   time.Duration
}

// PersistenceConfig holds the write-through persistence hook configuration
type PersistenceConfig struct {
	Enabled         bool
	Driver          string
	Database        DatabaseConfig
	SQLitePath      string
	BufferSize      int
	Workers         int
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RetentionConfig bounds the in-memory observability stores
type RetentionConfig struct {
	MaxEpisodes int    // 0 means unbounded
	Schedule    string // cron expression; empty disables scheduled pruning
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel         string
	LogFormat        string // json or console
	MetricsEnabled   bool
	MetricsNamespace string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Safety:      loadSafetyConfig(),
		Ensemble: EnsembleConfig{
			Weights: getEnvAsWeights("ENSEMBLE_WEIGHTS"),
		},
		Compliance: ComplianceConfig{
			RulesFile:  getEnv("RULES_FILE", ""),
			WatchRules: getEnvAsBool("RULES_WATCH", false),
			Debounce:   getEnvAsDuration("RULES_WATCH_DEBOUNCE", 100*time.Millisecond),
		},
		Persistence: PersistenceConfig{
			Enabled:         getEnvAsBool("PERSIST_TO_DB", false),
			Driver:          strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
			Database:        loadDatabaseConfig(),
			SQLitePath:      getEnv("SQLITE_PATH", "reward_governance.db"),
			BufferSize:      getEnvAsInt("PERSIST_BUFFER_SIZE", 1000),
			Workers:         getEnvAsInt("PERSIST_WORKERS", 2),
			ShutdownTimeout: getEnvAsDuration("PERSIST_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Retention: RetentionConfig{
			MaxEpisodes: getEnvAsInt("RETENTION_MAX_EPISODES", 0),
			Schedule:    getEnv("RETENTION_SCHEDULE", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:         getEnv("LOG_LEVEL", "info"),
			LogFormat:        getEnv("LOG_FORMAT", "json"),
			MetricsEnabled:   getEnvAsBool("METRICS_ENABLED", true),
			MetricsNamespace: getEnv("METRICS_NAMESPACE", "reward_governance"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(&c.Safety); err != nil {
		return fmt.Errorf("safety configuration: %w", err)
	}
	if err := utils.ValidateUnitInterval(c.Safety.MaxRiskThreshold, "max risk threshold"); err != nil {
		return err
	}
	if err := utils.ValidateUnitInterval(c.Safety.CriticalThreshold, "critical threshold"); err != nil {
		return err
	}

	if len(c.Ensemble.Weights) > 0 {
		if err := utils.ValidateWeights(c.Ensemble.Weights, "ensemble weights", false); err != nil {
			return err
		}
	}

	if c.Persistence.Enabled {
		if err := utils.ValidateOneOf(c.Persistence.Driver, "database driver", []string{DriverPostgres, DriverSQLite}); err != nil {
			return err
		}
		if c.Persistence.Driver == DriverPostgres {
			if c.Persistence.Database.ConnectionString == "" && c.Persistence.Database.Host == "" {
				return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
			}
			if c.Persistence.Database.ConnectionString == "" {
				if c.Persistence.Database.User == "" {
					return fmt.Errorf("database user is required")
				}
				if c.Persistence.Database.Database == "" {
					return fmt.Errorf("database name is required")
				}
			}
		}
		if c.Persistence.Driver == DriverSQLite && c.Persistence.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
		if c.Persistence.BufferSize <= 0 {
			return fmt.Errorf("persist buffer size must be positive")
		}
		if c.Persistence.Workers <= 0 {
			return fmt.Errorf("persist workers must be positive")
		}
	}

	if c.Retention.MaxEpisodes < 0 {
		return fmt.Errorf("retention max episodes must not be negative")
	}
	if c.Retention.Schedule != "" {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			return fmt.Errorf("invalid retention schedule %q: %w", c.Retention.Schedule, err)
		}
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	if err := utils.ValidateOneOf(c.Observability.LogFormat, "log format", []string{"json", "console"}); err != nil {
		return err
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the data source name for the configured driver
func (c *PersistenceConfig) DSN() string {
	if c.Driver == DriverSQLite {
		return c.SQLitePath
	}
	return c.Database.DSN()
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

func loadSafetyConfig() models.SafetyConfig {
	def := models.DefaultSafetyConfig()
	return models.SafetyConfig{
		MaxRiskThreshold:   getEnvAsFloat("MAX_RISK_THRESHOLD", def.MaxRiskThreshold),
		ComplianceHardStop: getEnvAsBool("COMPLIANCE_HARD_STOP", def.ComplianceHardStop),
		HumanInTheLoop:     getEnvAsBool("HUMAN_IN_THE_LOOP", def.HumanInTheLoop),
		CriticalThreshold:  getEnvAsFloat("CRITICAL_THRESHOLD", def.CriticalThreshold),
		RiskField:          getEnvAsInt("RISK_FIELD", def.RiskField),
		SeverityField:      getEnvAsInt("SEVERITY_FIELD", def.SeverityField),
		NonUrgentActions:   getEnvAsActions("NON_URGENT_ACTIONS", def.NonUrgentActions),
		TerminatingActions: getEnvAsActions("TERMINATING_ACTIONS", def.TerminatingActions),
		SafeFallbackAction: models.Action(getEnv("SAFE_FALLBACK_ACTION", string(def.SafeFallbackAction))),
		SaferAction:        models.Action(getEnv("SAFER_ACTION", string(def.SaferAction))),
	}
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "dev"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "reward_governance"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsActions parses a comma separated action list
func getEnvAsActions(key string, defaultValue []models.Action) []models.Action {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return append([]models.Action(nil), defaultValue...)
	}
	var out []models.Action
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, models.Action(part))
		}
	}
	return out
}

// getEnvAsWeights parses "kind=weight,kind=weight". Malformed pairs are skipped.
func getEnvAsWeights(key string) map[string]float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	out := make(map[string]float64)
	for _, pair := range strings.Split(valueStr, ",") {
		name, raw, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(name)] = w
	}
	return out
}
