// Package sqlstore implements the repositories on database/sql for
// PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/upb/reward-governance/config"
)

// Dialect selects placeholder style and column types
type Dialect string

const (
	DialectPostgres Dialect = config.DriverPostgres
	DialectSQLite   Dialect = config.DriverSQLite
)

// Rebind rewrites ? placeholders into the dialect's style
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// jsonType is the column type used for JSON documents
func (d Dialect) jsonType() string {
	if d == DialectPostgres {
		return "JSONB"
	}
	return "TEXT"
}

// idType is the column type used for UUID primary keys
func (d Dialect) idType() string {
	if d == DialectPostgres {
		return "UUID"
	}
	return "TEXT"
}

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// Open creates a connection pool for the configured driver and verifies it
// with a ping, so an unreachable database fails at construction
func Open(cfg config.PersistenceConfig, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	dialect := Dialect(cfg.Driver)
	switch dialect {
	case DialectPostgres:
		sqlDB, err = sql.Open("postgres", cfg.Database.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	case DialectSQLite:
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", cfg.SQLitePath)
		sqlDB, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		sqlDB.SetMaxOpenConns(1) // SQLite only supports a single writer
		sqlDB.SetMaxIdleConns(1)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn := cfg.SQLitePath
	if dialect == DialectPostgres {
		conn = cfg.Database.LogString()
	}
	logger.Info("database connection established",
		zap.String("driver", string(dialect)),
		zap.String("connection", conn))

	return NewDB(sqlDB, dialect, logger), nil
}

// NewDB wraps an existing pool
func NewDB(sqlDB *sql.DB, dialect Dialect, logger *zap.Logger) *DB {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DB{DB: sqlDB, dialect: dialect, logger: logger}
}

// Dialect returns the SQL dialect of the pool
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// InitSchema creates the four log tables if they do not exist
func (db *DB) InitSchema(ctx context.Context) error {
	id, js := db.dialect.idType(), db.dialect.jsonType()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS reward_logs (
			id %s PRIMARY KEY,
			episode_id VARCHAR(255) NOT NULL,
			step_id INTEGER NOT NULL,
			state_id VARCHAR(64) NOT NULL,
			action VARCHAR(255) NOT NULL,
			reward DOUBLE PRECISION NOT NULL,
			breakdown %s,
			verifier_name VARCHAR(255) NOT NULL,
			metadata %s,
			timestamp TIMESTAMP NOT NULL
		)`, id, js, js),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS action_traces (
			id %s PRIMARY KEY,
			episode_id VARCHAR(255) NOT NULL,
			step_id INTEGER NOT NULL,
			before_state %s NOT NULL,
			action VARCHAR(255) NOT NULL,
			after_state %s NOT NULL,
			transition_info %s,
			metadata %s,
			timestamp TIMESTAMP NOT NULL
		)`, id, js, js, js, js),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS episode_metrics (
			episode_id VARCHAR(255) PRIMARY KEY,
			environment_name VARCHAR(255) NOT NULL,
			cumulative_reward DOUBLE PRECISION NOT NULL,
			clinical_score DOUBLE PRECISION NOT NULL,
			efficiency_score DOUBLE PRECISION NOT NULL,
			financial_score DOUBLE PRECISION NOT NULL,
			violation_count INTEGER NOT NULL,
			episode_length INTEGER NOT NULL,
			final_risk_score DOUBLE PRECISION NOT NULL,
			total_cost DOUBLE PRECISION NOT NULL,
			metadata %s,
			recorded_at TIMESTAMP NOT NULL
		)`, js),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_logs (
			id %s PRIMARY KEY,
			event_type VARCHAR(50) NOT NULL,
			episode_id VARCHAR(255) NOT NULL,
			environment_name VARCHAR(255) NOT NULL,
			step_id INTEGER,
			user_id VARCHAR(255),
			message TEXT NOT NULL,
			details %s,
			timestamp TIMESTAMP NOT NULL
		)`, id, js),
		`CREATE INDEX IF NOT EXISTS idx_reward_logs_episode ON reward_logs(episode_id, step_id)`,
		`CREATE INDEX IF NOT EXISTS idx_action_traces_episode ON action_traces(episode_id, step_id)`,
		`CREATE INDEX IF NOT EXISTS idx_episode_metrics_env ON episode_metrics(environment_name, recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_episode ON audit_logs(episode_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type, timestamp)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	db.logger.Info("database schema initialized successfully", zap.String("driver", string(db.dialect)))
	return nil
}
