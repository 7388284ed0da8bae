package models

// Profile stores one upstream endpoint configuration.
type Profile struct {
	ID string `gorm:"type:varchar(64);primaryKey"` // UUID primary key.

	Name       string `gorm:"type:varchar(255);not null"` // Display name.
	APIBaseURL string `gorm:"type:text;not null"`         // Upstream base URL.
	APIKey     string `gorm:"type:text;not null"`         // Upstream credential.
	IsActive   bool   `gorm:"not null;default:false;index"`

	// ModelMappingMode is one of passthrough, override or map.
	// Empty means the row predates mapping modes and still needs migration.
	ModelMappingMode string  `gorm:"type:varchar(32);not null;default:''"`
	OverrideModel    *string `gorm:"type:varchar(255)"`

	// Legacy columns kept readable so older databases can be migrated on load.
	LegacyModelID  *string `gorm:"column:model_id;type:varchar(255)"`
	LegacyModelMap *string `gorm:"column:model_map;type:text"` // JSON object of pattern to target.

	Rules []ProfileModelRule `gorm:"foreignKey:ProfileID;constraint:OnDelete:CASCADE"`

	CreatedAt int64 `gorm:"not null;autoCreateTime:milli"` // Unix milliseconds.
	UpdatedAt int64 `gorm:"not null;autoUpdateTime:milli"` // Unix milliseconds.
}

// ProfileModelRule is one ordered entry of a profile's model mapping table.
type ProfileModelRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	ProfileID string `gorm:"type:varchar(64);not null;index:idx_model_mappings_order,priority:1"`
	RuleOrder int    `gorm:"not null;default:0;index:idx_model_mappings_order,priority:2"`
	Pattern   string `gorm:"type:varchar(255);not null"`
	Target    string `gorm:"type:varchar(255);not null"`
	UseRegex  bool   `gorm:"not null;default:false"`
}

// TableName keeps the rule table name used by earlier releases.
func (ProfileModelRule) TableName() string { return "model_mappings" }
