// Package profile holds upstream profiles and the single active selection.
package profile

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/prismhq/prism/internal/modelmapping"
)

// ErrNotFound is returned when a profile id does not exist.
var ErrNotFound = errors.New("profile: not found")

// Profile is one upstream endpoint configuration.
type Profile struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	APIBaseURL       string              `json:"apiBaseUrl"`
	APIKey           string              `json:"apiKey"`
	IsActive         bool                `json:"isActive"`
	ModelMappingMode modelmapping.Mode   `json:"modelMappingMode"`
	OverrideModel    string              `json:"overrideModel,omitempty"`
	ModelMappings    []modelmapping.Rule `json:"modelMappings"`
	CreatedAt        int64               `json:"createdAt"` // Unix milliseconds.
	UpdatedAt        int64               `json:"updatedAt"` // Unix milliseconds.
}

// Clone returns a deep copy so callers cannot mutate store state.
func (p Profile) Clone() Profile {
	out := p
	if p.ModelMappings != nil {
		out.ModelMappings = append([]modelmapping.Rule(nil), p.ModelMappings...)
	}
	return out
}

// ConfigError reports an invalid profile configuration.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("profile: invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("profile: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ActivationError reports a failed activation.
type ActivationError struct {
	ID  string
	Err error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("profile: activate %s: %v", e.ID, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// normalize trims fields, validates them and compiles the mapping table.
func normalize(p *Profile) (*modelmapping.Table, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.APIBaseURL = strings.TrimSpace(p.APIBaseURL)
	p.APIKey = strings.TrimSpace(p.APIKey)
	p.OverrideModel = strings.TrimSpace(p.OverrideModel)

	if p.Name == "" {
		return nil, &ConfigError{Field: "name", Reason: "is required"}
	}
	if p.APIBaseURL == "" {
		return nil, &ConfigError{Field: "apiBaseUrl", Reason: "is required"}
	}
	u, errParse := url.Parse(p.APIBaseURL)
	if errParse != nil {
		return nil, &ConfigError{Field: "apiBaseUrl", Err: errParse}
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &ConfigError{Field: "apiBaseUrl", Reason: "must be an absolute http(s) url"}
	}
	p.APIBaseURL = strings.TrimRight(p.APIBaseURL, "/")

	mode, errMode := modelmapping.ParseMode(string(p.ModelMappingMode))
	if errMode != nil {
		return nil, &ConfigError{Field: "modelMappingMode", Err: errMode}
	}
	p.ModelMappingMode = mode
	if mode != modelmapping.ModeOverride {
		p.OverrideModel = ""
	}
	if p.ModelMappings == nil {
		p.ModelMappings = []modelmapping.Rule{}
	}

	table, errCompile := modelmapping.Compile(mode, p.OverrideModel, p.ModelMappings)
	if errCompile != nil {
		field := "modelMappings"
		if mode == modelmapping.ModeOverride {
			field = "overrideModel"
		}
		return nil, &ConfigError{Field: field, Err: errCompile}
	}
	return table, nil
}

// ProviderName derives a display provider from the base URL host.
func ProviderName(apiBaseURL string) string {
	u, errParse := url.Parse(strings.TrimSpace(apiBaseURL))
	if errParse != nil {
		return "Custom"
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case strings.Contains(host, "anthropic.com"):
		return "Anthropic"
	case strings.Contains(host, "openai.com"):
		return "OpenAI"
	default:
		return "Custom"
	}
}
