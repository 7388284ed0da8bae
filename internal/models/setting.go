package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"

	"gorm.io/datatypes"
)

// Setting is a key/value entry of DB-backed application configuration.
type Setting struct {
	Key       string       `gorm:"type:varchar(128);primaryKey"` // Setting key.
	Value     SettingValue `gorm:"type:text;not null"`           // JSON encoded value.
	UpdatedAt time.Time    `gorm:"not null;autoUpdateTime"`      // Last update timestamp.
}

// SettingValue is a JSON document persisted as text.
// SQLite applies numeric affinity to JSON columns, so bare numbers and booleans
// may come back as native values; Scan re-encodes them as JSON.
type SettingValue []byte

// Scan implements sql.Scanner.
func (v *SettingValue) Scan(src any) error {
	switch value := src.(type) {
	case nil:
		*v = nil
	case []byte:
		*v = append(SettingValue(nil), value...)
	case string:
		*v = SettingValue(value)
	case int64:
		*v = SettingValue(strconv.FormatInt(value, 10))
	case float64:
		*v = SettingValue(strconv.FormatFloat(value, 'g', -1, 64))
	case bool:
		*v = SettingValue(strconv.FormatBool(value))
	default:
		return fmt.Errorf("models: unsupported setting value type %T", src)
	}
	return nil
}

// Value implements driver.Valuer.
func (v SettingValue) Value() (driver.Value, error) {
	if len(v) == 0 {
		return "null", nil
	}
	return string(v), nil
}

// MarshalJSON emits the stored document as-is.
func (v SettingValue) MarshalJSON() ([]byte, error) {
	return datatypes.JSON(v).MarshalJSON()
}

// UnmarshalJSON stores the raw document.
func (v *SettingValue) UnmarshalJSON(b []byte) error {
	var raw datatypes.JSON
	if err := raw.UnmarshalJSON(b); err != nil {
		return err
	}
	*v = SettingValue(raw)
	return nil
}

func (v SettingValue) String() string {
	return string(v)
}
