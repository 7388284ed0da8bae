package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	internalsettings "github.com/prismhq/prism/internal/settings"
)

// SettingHandler exposes the editable application settings.
type SettingHandler struct {
	settings *internalsettings.Store // Cached settings with write-through.
}

// NewSettingHandler constructs a settings handler.
func NewSettingHandler(settings *internalsettings.Store) *SettingHandler {
	return &SettingHandler{settings: settings}
}

// updateSettingRequest captures the payload for updating a setting.
type updateSettingRequest struct {
	Value json.RawMessage `json:"value"` // New JSON value.
}

var nonNegativeIntSettingKeys = map[string]struct{}{
	internalsettings.RateLimitKey:        {},
	internalsettings.RateLimitRedisDBKey: {},
}

var boolSettingKeys = map[string]struct{}{
	internalsettings.EnableAuthKey:            {},
	internalsettings.RateLimitRedisEnabledKey: {},
}

var secretSettingKeys = map[string]struct{}{
	internalsettings.RateLimitRedisPasswordKey: {},
}

var (
	errNonNegativeIntegerValue = errors.New("value must be a non-negative integer")
	errBoolValue               = errors.New("value must be a boolean")
	errStringValue             = errors.New("value must be a string")
)

// List returns the editable settings sorted by key. Secrets are masked.
func (h *SettingHandler) List(c *gin.Context) {
	all := h.settings.All()
	keys := make([]string, 0, len(internalsettings.EditableKeys))
	for key := range internalsettings.EditableKeys {
		if _, ok := all[key]; ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]gin.H, 0, len(keys))
	for _, key := range keys {
		out = append(out, formatSetting(key, all[key]))
	}
	c.JSON(http.StatusOK, gin.H{"settings": out})
}

// Get returns a setting by key.
func (h *SettingHandler) Get(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if _, ok := internalsettings.EditableKeys[key]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	raw, ok := h.settings.Value(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, formatSetting(key, raw))
}

// Update validates and stores a setting value.
func (h *SettingHandler) Update(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if _, ok := internalsettings.EditableKeys[key]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key"})
		return
	}
	var body updateSettingRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil || len(body.Value) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if errValidate := validateSettingValue(key, body.Value); errValidate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errValidate.Error()})
		return
	}
	if errSet := h.settings.Set(c.Request.Context(), key, body.Value); errSet != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func validateSettingValue(key string, value json.RawMessage) error {
	if _, ok := nonNegativeIntSettingKeys[key]; ok {
		if _, okParse := internalsettings.ParseNonNegativeInt(value); !okParse {
			return errNonNegativeIntegerValue
		}
		return nil
	}
	if _, ok := boolSettingKeys[key]; ok {
		if _, okParse := internalsettings.ParseBool(value); !okParse {
			return errBoolValue
		}
		return nil
	}
	if _, okParse := internalsettings.ParseString(value); !okParse {
		return errStringValue
	}
	return nil
}

// formatSetting formats a setting into response JSON.
func formatSetting(key string, value json.RawMessage) gin.H {
	if _, secret := secretSettingKeys[key]; secret {
		if s, _ := internalsettings.ParseString(value); s != "" {
			return gin.H{"key": key, "value": "******"}
		}
	}
	return gin.H{"key": key, "value": value}
}
