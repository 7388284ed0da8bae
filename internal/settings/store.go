package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prismhq/prism/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store caches DB-backed settings in memory and writes changes through.
type Store struct {
	db       *gorm.DB
	nowFn    func() time.Time
	snapshot atomic.Value // map[string]json.RawMessage
}

// NewStore constructs a settings store with an empty snapshot.
func NewStore(db *gorm.DB) *Store {
	s := &Store{db: db, nowFn: time.Now}
	s.snapshot.Store(map[string]json.RawMessage{})
	return s
}

// Reload replaces the snapshot with the current table contents.
func (s *Store) Reload(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	var rows []models.Setting
	if errFind := s.db.WithContext(ctx).Find(&rows).Error; errFind != nil {
		return fmt.Errorf("settings: load: %w", errFind)
	}
	next := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		next[row.Key] = json.RawMessage(row.Value)
	}
	s.snapshot.Store(next)
	return nil
}

// Value returns the raw JSON value stored under key.
func (s *Store) Value(key string) (json.RawMessage, bool) {
	if s == nil {
		return nil, false
	}
	snap, _ := s.snapshot.Load().(map[string]json.RawMessage)
	raw, ok := snap[key]
	return raw, ok
}

// All returns a copy of the current snapshot.
func (s *Store) All() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	if s == nil {
		return out
	}
	snap, _ := s.snapshot.Load().(map[string]json.RawMessage)
	for k, v := range snap {
		out[k] = v
	}
	return out
}

// Set upserts key with the JSON encoding of value and refreshes the snapshot entry.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("settings: store not initialized")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("settings: empty key")
	}
	var raw json.RawMessage
	switch v := value.(type) {
	case json.RawMessage:
		if !json.Valid(v) {
			return fmt.Errorf("settings: %s: invalid json", key)
		}
		raw = v
	default:
		payload, errMarshal := json.Marshal(value)
		if errMarshal != nil {
			return fmt.Errorf("settings: marshal %s: %w", key, errMarshal)
		}
		raw = payload
	}

	row := models.Setting{Key: key, Value: models.SettingValue(raw), UpdatedAt: s.nowFn().UTC()}
	if errUpsert := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error; errUpsert != nil {
		return fmt.Errorf("settings: save %s: %w", key, errUpsert)
	}

	next := s.All()
	next[key] = raw
	s.snapshot.Store(next)
	return nil
}

// Bool returns the boolean setting or def when missing or malformed.
func (s *Store) Bool(key string, def bool) bool {
	if raw, ok := s.Value(key); ok {
		if parsed, okParse := ParseBool(raw); okParse {
			return parsed
		}
	}
	return def
}

// Int returns the non-negative integer setting or def when missing or malformed.
func (s *Store) Int(key string, def int) int {
	if raw, ok := s.Value(key); ok {
		if parsed, okParse := ParseNonNegativeInt(raw); okParse {
			return parsed
		}
	}
	return def
}

// String returns the string setting or "" when missing.
func (s *Store) String(key string) string {
	if raw, ok := s.Value(key); ok {
		if parsed, okParse := ParseString(raw); okParse {
			return parsed
		}
	}
	return ""
}

// AuthEnabled reports whether proxy clients must present the proxy API key.
func (s *Store) AuthEnabled() bool {
	return s.Bool(EnableAuthKey, DefaultEnableAuth)
}

// ProxyAPIKey returns the key proxy clients must present.
func (s *Store) ProxyAPIKey() string {
	return s.String(ProxyAPIKeyKey)
}

// RefreshProxyAPIKey generates, persists and returns a new proxy API key.
func (s *Store) RefreshProxyAPIKey(ctx context.Context) (string, error) {
	key := GenerateAPIKey()
	if errSet := s.Set(ctx, ProxyAPIKeyKey, key); errSet != nil {
		return "", errSet
	}
	return key, nil
}

// GenerateAPIKey returns a fresh random proxy API key.
func GenerateAPIKey() string {
	return APIKeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
