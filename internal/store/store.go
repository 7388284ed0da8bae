package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/prismhq/prism/internal/modelmapping"
	"github.com/prismhq/prism/internal/models"
	"github.com/prismhq/prism/internal/profile"
	"github.com/prismhq/prism/internal/proxyserver"
	internalsettings "github.com/prismhq/prism/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// GormStore persists profiles and proxy configuration through GORM.
type GormStore struct {
	db       *gorm.DB
	settings *internalsettings.Store
}

// NewGormStore constructs a GormStore. settings receives proxy config and status writes.
func NewGormStore(db *gorm.DB, settings *internalsettings.Store) *GormStore {
	if settings == nil {
		settings = internalsettings.NewStore(db)
	}
	return &GormStore{db: db, settings: settings}
}

// LoadAllProfiles returns every stored profile in creation order.
// Rows in older shapes are converted and written back once.
func (s *GormStore) LoadAllProfiles(ctx context.Context) ([]profile.Profile, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store: not initialized")
	}
	var rows []models.Profile
	if errFind := s.db.WithContext(ctx).
		Preload("Rules", func(tx *gorm.DB) *gorm.DB { return tx.Order("rule_order ASC, id ASC") }).
		Order("created_at ASC, id ASC").
		Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("gorm store: load profiles: %w", errFind)
	}

	out := make([]profile.Profile, 0, len(rows))
	migrated := 0
	for i := range rows {
		p, changed := fromRow(&rows[i])
		if changed {
			if errSave := s.SaveProfile(ctx, p); errSave != nil {
				return nil, fmt.Errorf("gorm store: migrate profile %s: %w", p.ID, errSave)
			}
			migrated++
		}
		out = append(out, p)
	}
	if migrated > 0 {
		log.Infof("gorm store: migrated %d profiles from legacy model fields", migrated)
	}
	if current := s.settings.Int(internalsettings.SchemaVersionKey, 0); current < internalsettings.CurrentSchemaVersion {
		if errSet := s.settings.Set(ctx, internalsettings.SchemaVersionKey, internalsettings.CurrentSchemaVersion); errSet != nil {
			return nil, errSet
		}
	}
	return out, nil
}

// SaveProfile upserts the profile row and replaces its rules in one transaction.
func (s *GormStore) SaveProfile(ctx context.Context, p profile.Profile) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store: not initialized")
	}
	row := toRow(p)
	rules := row.Rules
	row.Rules = nil
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errSave := tx.Save(&row).Error; errSave != nil {
			return fmt.Errorf("save profile: %w", errSave)
		}
		if errDelete := tx.Where("profile_id = ?", row.ID).Delete(&models.ProfileModelRule{}).Error; errDelete != nil {
			return fmt.Errorf("clear rules: %w", errDelete)
		}
		if len(rules) == 0 {
			return nil
		}
		if errCreate := tx.Create(&rules).Error; errCreate != nil {
			return fmt.Errorf("save rules: %w", errCreate)
		}
		return nil
	})
}

// DeleteProfile removes the profile and its rules.
func (s *GormStore) DeleteProfile(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store: not initialized")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errRules := tx.Where("profile_id = ?", id).Delete(&models.ProfileModelRule{}).Error; errRules != nil {
			return fmt.Errorf("delete rules: %w", errRules)
		}
		res := tx.Where("id = ?", id).Delete(&models.Profile{})
		if res.Error != nil {
			return fmt.Errorf("delete profile: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return profile.ErrNotFound
		}
		return nil
	})
}

// ActivateProfile clears every active flag and sets id active in one transaction.
func (s *GormStore) ActivateProfile(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store: not initialized")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if errCount := tx.Model(&models.Profile{}).Where("id = ?", id).Count(&count).Error; errCount != nil {
			return fmt.Errorf("check profile: %w", errCount)
		}
		if count == 0 {
			return profile.ErrNotFound
		}
		if errClear := tx.Model(&models.Profile{}).
			Where("is_active = ? AND id <> ?", true, id).
			UpdateColumn("is_active", false).Error; errClear != nil {
			return fmt.Errorf("clear active: %w", errClear)
		}
		if errSet := tx.Model(&models.Profile{}).
			Where("id = ?", id).
			UpdateColumn("is_active", true).Error; errSet != nil {
			return fmt.Errorf("set active: %w", errSet)
		}
		return nil
	})
}

// LoadProxyConfig returns the persisted proxy config. ok is false when none was saved.
func (s *GormStore) LoadProxyConfig(ctx context.Context) (proxyserver.Config, bool, error) {
	var setting models.Setting
	if errFind := s.db.WithContext(ctx).Where("key = ?", internalsettings.ProxyConfigKey).First(&setting).Error; errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return proxyserver.Config{}, false, nil
		}
		return proxyserver.Config{}, false, fmt.Errorf("gorm store: load proxy config: %w", errFind)
	}
	var cfg proxyserver.Config
	if errUnmarshal := json.Unmarshal(setting.Value, &cfg); errUnmarshal != nil {
		return proxyserver.Config{}, false, fmt.Errorf("gorm store: decode proxy config: %w", errUnmarshal)
	}
	return cfg, true, nil
}

// SaveProxyConfig persists cfg.
func (s *GormStore) SaveProxyConfig(ctx context.Context, cfg proxyserver.Config) error {
	return s.settings.Set(ctx, internalsettings.ProxyConfigKey, cfg)
}

// SaveProxyStatus persists the latest proxy status snapshot.
func (s *GormStore) SaveProxyStatus(ctx context.Context, status proxyserver.Status) error {
	return s.settings.Set(ctx, internalsettings.ProxyStatusKey, status)
}

// fromRow converts a DB row to a profile, migrating legacy model fields.
// changed reports whether the row must be written back.
func fromRow(row *models.Profile) (profile.Profile, bool) {
	p := profile.Profile{
		ID:               row.ID,
		Name:             row.Name,
		APIBaseURL:       row.APIBaseURL,
		APIKey:           row.APIKey,
		IsActive:         row.IsActive,
		ModelMappingMode: modelmapping.Mode(strings.TrimSpace(row.ModelMappingMode)),
		ModelMappings:    make([]modelmapping.Rule, 0, len(row.Rules)),
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.OverrideModel != nil {
		p.OverrideModel = *row.OverrideModel
	}
	for _, rule := range row.Rules {
		p.ModelMappings = append(p.ModelMappings, modelmapping.Rule{
			Pattern:  rule.Pattern,
			Target:   rule.Target,
			UseRegex: rule.UseRegex,
		})
	}

	changed := false
	if p.ModelMappingMode == "" {
		p.ModelMappingMode = modelmapping.ModePassthrough
		changed = true
	}
	if row.LegacyModelID != nil {
		if legacy := strings.TrimSpace(*row.LegacyModelID); legacy != "" {
			p.ModelMappingMode = modelmapping.ModeOverride
			p.OverrideModel = legacy
		}
		changed = true
	}
	if row.LegacyModelMap != nil {
		rules := legacyMapRules([]byte(*row.LegacyModelMap))
		if len(rules) > 0 && p.ModelMappingMode != modelmapping.ModeOverride {
			p.ModelMappingMode = modelmapping.ModeMap
			p.ModelMappings = append(p.ModelMappings, rules...)
		}
		changed = true
	}
	return p, changed
}

// legacyMapRules converts a {pattern: target} object into exact rules ordered by key.
func legacyMapRules(raw []byte) []modelmapping.Rule {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	var legacy map[string]string
	if errUnmarshal := json.Unmarshal(raw, &legacy); errUnmarshal != nil {
		log.WithError(errUnmarshal).Warn("gorm store: ignoring unreadable legacy model map")
		return nil
	}
	keys := make([]string, 0, len(legacy))
	for k := range legacy {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rules := make([]modelmapping.Rule, 0, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(legacy[k]) == "" {
			continue
		}
		rules = append(rules, modelmapping.Rule{Pattern: k, Target: legacy[k]})
	}
	return rules
}

// toRow converts a profile to its DB row. Legacy columns are always cleared.
func toRow(p profile.Profile) models.Profile {
	row := models.Profile{
		ID:               p.ID,
		Name:             p.Name,
		APIBaseURL:       p.APIBaseURL,
		APIKey:           p.APIKey,
		IsActive:         p.IsActive,
		ModelMappingMode: string(p.ModelMappingMode),
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
	if p.OverrideModel != "" {
		override := p.OverrideModel
		row.OverrideModel = &override
	}
	row.Rules = make([]models.ProfileModelRule, 0, len(p.ModelMappings))
	for i, rule := range p.ModelMappings {
		row.Rules = append(row.Rules, models.ProfileModelRule{
			ProfileID: p.ID,
			RuleOrder: i,
			Pattern:   rule.Pattern,
			Target:    rule.Target,
			UseRegex:  rule.UseRegex,
		})
	}
	return row
}
