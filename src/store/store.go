// Package store provides durable persistence for AI tasks on top of
// database/sql with multi-driver support. PostgreSQL is the production
// backend; SQLite serves local and test deployments, with MySQL/MariaDB,
// MSSQL and libSQL reachable through the same driver registry.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

// normalizeDriver maps user-friendly scheme/config values to Go driver names.
func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite2", "sqlite3", "file":
		return "sqlite"
	case "libsql", "turso":
		return "libsql"
	case "postgres", "pgsql", "postgresql", "pgx":
		return "pgx"
	case "mysql", "mariadb":
		return "mysql"
	case "mssql", "sqlserver":
		return "sqlserver"
	default:
		return driver
	}
}

// Config holds store configuration. URL is required; the scheme selects
// the driver.
type Config struct {
	URL                 string        `yaml:"url"`
	PoolSize            int           `yaml:"pool_size"`
	MaxOverflow         int           `yaml:"max_overflow"`
	PoolTimeout         time.Duration `yaml:"pool_timeout"`
	PoolRecycle         time.Duration `yaml:"pool_recycle"`
	SlowQueryThreshold  time.Duration `yaml:"slow_query_threshold"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// DefaultConfig returns default store configuration.
func DefaultConfig() *Config {
	return &Config{
		PoolSize:            20,
		MaxOverflow:         30,
		PoolTimeout:         30 * time.Second,
		PoolRecycle:         time.Hour,
		SlowQueryThreshold:  100 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Store is the durable task repository.
type Store struct {
	db     *sql.DB
	driver string
	cfg    *Config
	logger *slog.Logger

	mu      sync.RWMutex
	healthy bool
	lastErr error
}

// Open connects to the database named by cfg.URL, bootstraps the schema
// and verifies connectivity.
func Open(cfg *Config, logger *slog.Logger) (*Store, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("store: database URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	driver, dsn, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	db.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(cfg.PoolRecycle)
	if driver == "sqlite" {
		// modernc sqlite allows a single writer; serialize through one conn.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:      db,
		driver:  driver,
		cfg:     cfg,
		logger:  logger.With("component", "store"),
		healthy: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PoolTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// parseURL splits a connection URL into driver name and DSN.
func parseURL(raw string) (driver, dsn string, err error) {
	if !strings.Contains(raw, "://") {
		// Bare path means a local SQLite file.
		return "sqlite", raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("store: parse database URL: %w", err)
	}
	driver = normalizeDriver(u.Scheme)
	switch driver {
	case "pgx", "sqlserver", "libsql":
		// These drivers take the URL as-is.
		return driver, raw, nil
	case "sqlite":
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		if u.RawQuery != "" {
			path += "?" + u.RawQuery
		}
		return driver, path, nil
	case "mysql":
		host := u.Hostname()
		port := u.Port()
		if port == "" {
			port = "3306"
		}
		pass, _ := u.User.Password()
		dbName := strings.TrimPrefix(u.Path, "/")
		return driver, fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4",
			u.User.Username(), pass, host, port, dbName), nil
	default:
		return "", "", fmt.Errorf("store: unsupported database scheme %q", u.Scheme)
	}
}

// rebind converts ?-style placeholders to the driver's dialect.
func (s *Store) rebind(query string) string {
	switch s.driver {
	case "pgx":
		return numberPlaceholders(query, "$")
	case "sqlserver":
		return numberPlaceholders(query, "@p")
	default:
		return query
	}
}

func numberPlaceholders(query, prefix string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(prefix)
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// supportsSkipLocked reports whether the backend can lock claimed rows.
func (s *Store) supportsSkipLocked() bool {
	return s.driver == "pgx" || s.driver == "mysql"
}

// initSchema creates the tables on first use.
func (s *Store) initSchema(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	switch s.driver {
	case "pgx":
		pk = "BIGSERIAL PRIMARY KEY"
	case "mysql":
		pk = "BIGINT AUTO_INCREMENT PRIMARY KEY"
	case "sqlserver":
		pk = "BIGINT IDENTITY(1,1) PRIMARY KEY"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ai_tasks (
			id %s,
			user_id BIGINT NOT NULL,
			title VARCHAR(255) NOT NULL,
			description TEXT,
			task_type VARCHAR(32) NOT NULL,
			schedule_type VARCHAR(32) NOT NULL,
			schedule_config TEXT NOT NULL,
			next_run_at TIMESTAMP NULL,
			last_run_at TIMESTAMP NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'active',
			ai_context TEXT,
			notification_channels TEXT NOT NULL,
			last_error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_ai_tasks_due ON ai_tasks (status, next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_tasks_user ON ai_tasks (user_id)`,
		`CREATE TABLE IF NOT EXISTS beat_ticks (
			entry_name VARCHAR(128) PRIMARY KEY,
			last_tick TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS inbox_notifications (
			id %s,
			user_id BIGINT NOT NULL,
			task_id BIGINT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`, pk),
		`CREATE INDEX IF NOT EXISTS idx_inbox_user ON inbox_notifications (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS user_contacts (
			user_id BIGINT PRIMARY KEY,
			email VARCHAR(255),
			phone VARCHAR(32)
		)`,
	}

	for _, stmt := range stmts {
		if s.driver == "mysql" || s.driver == "sqlserver" {
			// These backends reject IF NOT EXISTS on index DDL; ignore
			// duplicate-object errors instead.
			if strings.HasPrefix(stmt, "CREATE INDEX") {
				stmt = strings.Replace(stmt, "IF NOT EXISTS ", "", 1)
				s.db.ExecContext(ctx, stmt)
				continue
			}
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// exec runs a statement with slow-query logging.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	s.observeQuery(query, time.Since(start))
	return res, err
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	s.observeQuery(query, time.Since(start))
	return rows, err
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := s.db.QueryRowContext(ctx, s.rebind(query), args...)
	s.observeQuery(query, time.Since(start))
	return row
}

func (s *Store) observeQuery(query string, elapsed time.Duration) {
	if s.cfg.SlowQueryThreshold > 0 && elapsed >= s.cfg.SlowQueryThreshold {
		s.logger.Warn("slow query", "elapsed", elapsed, "query", firstLine(query))
	}
}

func firstLine(q string) string {
	q = strings.TrimSpace(q)
	if i := strings.IndexByte(q, '\n'); i > 0 {
		q = q[:i]
	}
	if len(q) > 120 {
		q = q[:120]
	}
	return q
}

// Driver returns the normalized driver name in use.
func (s *Store) Driver() string {
	return s.driver
}

// DB exposes the underlying pool for maintenance jobs.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Optimize runs driver-appropriate housekeeping (VACUUM / ANALYZE).
func (s *Store) Optimize(ctx context.Context) error {
	var stmts []string
	switch s.driver {
	case "sqlite", "libsql":
		stmts = []string{"VACUUM", "ANALYZE"}
	case "pgx":
		stmts = []string{"VACUUM (ANALYZE) ai_tasks", "VACUUM (ANALYZE) inbox_notifications"}
	case "mysql":
		stmts = []string{"OPTIMIZE TABLE ai_tasks", "OPTIMIZE TABLE inbox_notifications"}
	default:
		return nil
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: optimize: %w", err)
		}
	}
	return nil
}
