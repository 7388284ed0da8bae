package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prismhq/prism/internal/models"
	internalsettings "github.com/prismhq/prism/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// legacyAppConfigTable holds key/value settings written by earlier releases.
const legacyAppConfigTable = "app_config"

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	switch DialectName(conn) {
	case DialectSQLite:
		return migrateSQLite(conn)
	case DialectPostgres, "":
		return migratePostgres(conn)
	default:
		return fmt.Errorf("db: unsupported dialect: %s", DialectName(conn))
	}
}

// migratePostgres applies PostgreSQL schema updates and indexes.
func migratePostgres(conn *gorm.DB) error {
	return migrateSchema(conn)
}

// migrateSQLite enables foreign keys for the session before migrating.
func migrateSQLite(conn *gorm.DB) error {
	if errPragma := conn.Exec("PRAGMA foreign_keys = ON").Error; errPragma != nil {
		return fmt.Errorf("db: enable foreign keys: %w", errPragma)
	}
	return migrateSchema(conn)
}

// migrateSchema runs the dialect-neutral part of the migration.
func migrateSchema(conn *gorm.DB) error {
	if errDedupe := dedupeRequestLogs(conn); errDedupe != nil {
		return errDedupe
	}
	if errAutoMigrate := conn.AutoMigrate(
		&models.Profile{},
		&models.ProfileModelRule{},
		&models.RequestLog{},
		&models.Setting{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errAutoMigrate)
	}
	if errIdx := conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_request_logs_profile_ts ON request_logs (profile_id, timestamp)
	`).Error; errIdx != nil {
		return fmt.Errorf("db: create request log profile index: %w", errIdx)
	}
	return seedSettings(conn)
}

// dedupeRequestLogs keeps the lowest id per request_id so the unique index can be built.
func dedupeRequestLogs(conn *gorm.DB) error {
	migrator := conn.Migrator()
	if !migrator.HasTable(&models.RequestLog{}) {
		return nil
	}
	if migrator.HasIndex(&models.RequestLog{}, "RequestID") {
		return nil
	}
	result := conn.Exec(`
		DELETE FROM request_logs
		WHERE id NOT IN (
			SELECT MIN(id) FROM request_logs GROUP BY request_id
		)
	`)
	if result.Error != nil {
		return fmt.Errorf("db: dedupe request logs: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Infof("db: removed %d duplicate request log rows", result.RowsAffected)
	}
	return nil
}

// seedSettings imports legacy app_config values and fills defaults for missing keys.
func seedSettings(conn *gorm.DB) error {
	if errImport := importLegacyAppConfig(conn); errImport != nil {
		return errImport
	}
	if errSeed := ensureBoolSetting(conn, internalsettings.EnableAuthKey, internalsettings.DefaultEnableAuth); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureIntSetting(conn, internalsettings.RateLimitKey, internalsettings.DefaultRateLimit); errSeed != nil {
		return errSeed
	}
	if errSeed := ensureStringSetting(conn, internalsettings.ProxyAPIKeyKey, internalsettings.GenerateAPIKey()); errSeed != nil {
		return errSeed
	}
	return nil
}

// importLegacyAppConfig copies settings from the app_config table of earlier releases.
func importLegacyAppConfig(conn *gorm.DB) error {
	if !conn.Migrator().HasTable(legacyAppConfigTable) {
		return nil
	}
	type legacyRow struct {
		Key   string
		Value string
	}
	var rows []legacyRow
	if errFind := conn.Table(legacyAppConfigTable).Select("key", "value").Find(&rows).Error; errFind != nil {
		return fmt.Errorf("db: read legacy app config: %w", errFind)
	}
	for _, row := range rows {
		var (
			key string
			raw json.RawMessage
		)
		value := strings.TrimSpace(row.Value)
		switch row.Key {
		case "proxy_api_key":
			key = internalsettings.ProxyAPIKeyKey
			raw, _ = json.Marshal(value)
		case "enable_auth":
			key = internalsettings.EnableAuthKey
			raw, _ = json.Marshal(strings.EqualFold(value, "true"))
		case "proxy_config":
			key = internalsettings.ProxyConfigKey
			raw = json.RawMessage(value)
		default:
			continue
		}
		if !json.Valid(raw) {
			log.Warnf("db: skipping malformed legacy setting %s", row.Key)
			continue
		}
		if errEnsure := ensureSetting(conn, key, raw); errEnsure != nil {
			return errEnsure
		}
	}
	return nil
}

// ensureIntSetting ensures an integer setting exists and defaults when empty.
func ensureIntSetting(conn *gorm.DB, key string, value int) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	return ensureSetting(conn, key, payload)
}

// ensureBoolSetting ensures a boolean setting exists and defaults when empty.
func ensureBoolSetting(conn *gorm.DB, key string, value bool) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	return ensureSetting(conn, key, payload)
}

// ensureStringSetting ensures a string setting exists and defaults when empty.
func ensureStringSetting(conn *gorm.DB, key, value string) error {
	payload, errMarshal := json.Marshal(value)
	if errMarshal != nil {
		return fmt.Errorf("db: marshal %s setting: %w", key, errMarshal)
	}
	return ensureSetting(conn, key, payload)
}

// ensureSetting writes rawValue under key when the key is missing or holds an empty value.
func ensureSetting(conn *gorm.DB, key string, rawValue json.RawMessage) error {
	var existing models.Setting
	if errFind := conn.Where("key = ?", key).First(&existing).Error; errFind == nil {
		trimmed := strings.TrimSpace(string(existing.Value))
		if len(existing.Value) == 0 || trimmed == "" || trimmed == "null" || trimmed == `""` {
			if errUpdate := conn.Model(&existing).Updates(map[string]any{
				"value":      models.SettingValue(rawValue),
				"updated_at": time.Now().UTC(),
			}).Error; errUpdate != nil {
				return fmt.Errorf("db: update %s setting: %w", key, errUpdate)
			}
		}
		return nil
	} else if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return fmt.Errorf("db: query %s setting: %w", key, errFind)
	}

	setting := models.Setting{
		Key:       key,
		Value:     models.SettingValue(rawValue),
		UpdatedAt: time.Now().UTC(),
	}
	if errCreate := conn.Create(&setting).Error; errCreate != nil {
		return fmt.Errorf("db: create %s setting: %w", key, errCreate)
	}
	return nil
}
