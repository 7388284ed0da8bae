package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prismhq/prism/internal/config"
	"github.com/prismhq/prism/internal/db"
	log "github.com/sirupsen/logrus"
)

// InitRequest describes the database a fresh install should use.
type InitRequest struct {
	DatabaseType     string
	DatabaseHost     string
	DatabasePort     int
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabasePath     string
	DatabaseSSLMode  string
	// Force overwrites an existing config file.
	Force bool
}

// ErrAlreadyInitialized is returned by Init when a config file exists and Force is unset.
var ErrAlreadyInitialized = errors.New("config file already exists (use --force to overwrite)")

// BuildDSN builds a database DSN from the init request.
func BuildDSN(req InitRequest) (string, error) {
	switch strings.ToLower(strings.TrimSpace(req.DatabaseType)) {
	case "", "sqlite":
		path := strings.TrimSpace(req.DatabasePath)
		if path == "" {
			path = db.DefaultSQLitePath
		}
		return db.BuildSQLiteDSN(path), nil
	case "postgres":
		if errValidate := validatePostgresRequest(&req); errValidate != nil {
			return "", errValidate
		}
		return fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			req.DatabaseUser,
			req.DatabasePassword,
			req.DatabaseHost,
			req.DatabasePort,
			req.DatabaseName,
			req.DatabaseSSLMode,
		), nil
	default:
		return "", fmt.Errorf("unsupported database type %q", req.DatabaseType)
	}
}

// validatePostgresRequest normalizes and validates postgres connection fields.
func validatePostgresRequest(req *InitRequest) error {
	req.DatabaseHost = strings.TrimSpace(req.DatabaseHost)
	req.DatabaseUser = strings.TrimSpace(req.DatabaseUser)
	req.DatabaseName = strings.TrimSpace(req.DatabaseName)
	req.DatabaseSSLMode = strings.TrimSpace(req.DatabaseSSLMode)
	if req.DatabaseHost == "" {
		return fmt.Errorf("database host is required")
	}
	if req.DatabaseUser == "" {
		return fmt.Errorf("database user is required")
	}
	if req.DatabaseName == "" {
		return fmt.Errorf("database name is required")
	}
	if req.DatabasePort == 0 {
		req.DatabasePort = 5432
	}
	if req.DatabasePort < 0 || req.DatabasePort > 65535 {
		return fmt.Errorf("invalid database port: %d", req.DatabasePort)
	}
	if req.DatabaseSSLMode == "" {
		req.DatabaseSSLMode = "disable"
	}
	return nil
}

// TestDatabaseConnection validates that the DSN can connect and ping.
func TestDatabaseConnection(ctx context.Context, dsn string) error {
	conn, err := db.Open(dsn)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}
	defer func() {
		if errClose := sqlDB.Close(); errClose != nil {
			log.Errorf("sql db close error: %v", errClose)
		}
	}()
	return sqlDB.PingContext(ctx)
}

// Init writes a starter config for req and migrates the chosen database.
func Init(ctx context.Context, configPath string, req InitRequest) error {
	if config.ConfigExists(configPath) && !req.Force {
		return ErrAlreadyInitialized
	}
	dsn, errBuild := BuildDSN(req)
	if errBuild != nil {
		return errBuild
	}
	if errTest := TestDatabaseConnection(ctx, dsn); errTest != nil {
		return fmt.Errorf("database connection failed: %w", errTest)
	}
	if errWrite := config.WriteDefault(configPath, dsn, req.Force); errWrite != nil {
		return errWrite
	}
	if errMigrate := migrateDSN(dsn); errMigrate != nil {
		return errMigrate
	}
	summary, _ := describeDSN(dsn)
	log.Infof("initialized %s with %s database", configPath, summary.String())
	return nil
}

func migrateDSN(dsn string) error {
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	sqlDB, errDB := conn.DB()
	if errDB == nil {
		defer func() { _ = sqlDB.Close() }()
	}
	return db.Migrate(conn)
}
