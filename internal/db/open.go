package db

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultSQLitePath is used when no DSN is configured.
const DefaultSQLitePath = "prism.db"

// Open connects to the database described by dsn.
// Postgres URLs and key/value DSNs open a postgres connection; anything else is treated as a SQLite path.
func Open(dsn string) (*gorm.DB, error) {
	dialect, errDialect := DialectFromDSN(dsn)
	if errDialect != nil {
		return nil, errDialect
	}

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var (
		conn    *gorm.DB
		errOpen error
	)
	switch dialect {
	case DialectPostgres:
		conn, errOpen = gorm.Open(postgres.Open(strings.TrimSpace(dsn)), gormCfg)
	default:
		conn, errOpen = gorm.Open(sqlite.Open(BuildSQLiteDSN(dsn)), gormCfg)
	}
	if errOpen != nil {
		return nil, fmt.Errorf("db: open %s: %w", dialect, errOpen)
	}

	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return nil, fmt.Errorf("db: sql handle: %w", errDB)
	}
	if dialect == DialectSQLite {
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY under load.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	}
	return conn, nil
}

// DialectFromDSN classifies a DSN as postgres or sqlite.
func DialectFromDSN(dsn string) (string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return DialectSQLite, nil
	}
	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "file:") {
		return DialectSQLite, nil
	}
	if strings.HasPrefix(lowered, "host=") || strings.Contains(lowered, " host=") {
		return DialectPostgres, nil
	}
	if !strings.Contains(trimmed, "://") {
		return DialectSQLite, nil
	}

	u, errParse := url.Parse(trimmed)
	if errParse != nil {
		return "", fmt.Errorf("db: parse dsn: %w", errParse)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "postgres", "postgresql":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("db: unsupported dsn scheme %q", u.Scheme)
	}
}

// BuildSQLiteDSN constructs a SQLite DSN with default pragmas.
func BuildSQLiteDSN(path string) string {
	dsn := strings.TrimSpace(path)
	for _, prefix := range []string{"sqlite3://", "sqlite://"} {
		if strings.HasPrefix(strings.ToLower(dsn), prefix) {
			dsn = dsn[len(prefix):]
		}
	}
	if dsn == "" {
		dsn = DefaultSQLitePath
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = "file:" + dsn
	}
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + strings.Join([]string{
		"_pragma=busy_timeout(5000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
	}, "&")
}
