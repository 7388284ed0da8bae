package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prismhq/prism/internal/modelmapping"
	"github.com/prismhq/prism/internal/profile"
	log "github.com/sirupsen/logrus"
)

// ProfileHandler manages admin CRUD and activation endpoints for profiles.
type ProfileHandler struct {
	store *profile.Store // In-memory profile store with write-through persistence.
}

// NewProfileHandler constructs a profile handler.
func NewProfileHandler(store *profile.Store) *ProfileHandler {
	return &ProfileHandler{store: store}
}

// profileRequest captures the editable profile fields.
type profileRequest struct {
	Name             string              `json:"name"`             // Display name.
	APIBaseURL       string              `json:"apiBaseUrl"`       // Upstream base URL.
	APIKey           string              `json:"apiKey"`           // Upstream credential.
	ModelMappingMode string              `json:"modelMappingMode"` // passthrough, override or map.
	OverrideModel    string              `json:"overrideModel"`    // Required in override mode.
	ModelMappings    []modelmapping.Rule `json:"modelMappings"`    // Ordered rules for map mode.
}

func (r profileRequest) toProfile() profile.Profile {
	mode := modelmapping.Mode(strings.ToLower(strings.TrimSpace(r.ModelMappingMode)))
	if mode == "" {
		mode = modelmapping.ModePassthrough
	}
	return profile.Profile{
		Name:             r.Name,
		APIBaseURL:       r.APIBaseURL,
		APIKey:           r.APIKey,
		ModelMappingMode: mode,
		OverrideModel:    r.OverrideModel,
		ModelMappings:    r.ModelMappings,
	}
}

// List returns all profiles in creation order.
func (h *ProfileHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"profiles": h.store.List()})
}

// Get returns a single profile.
func (h *ProfileHandler) Get(c *gin.Context) {
	p, errGet := h.store.Get(strings.TrimSpace(c.Param("id")))
	if errGet != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Create validates input and stores a new inactive profile.
func (h *ProfileHandler) Create(c *gin.Context) {
	var body profileRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	id, errCreate := h.store.Create(c.Request.Context(), body.toProfile())
	if errCreate != nil {
		writeProfileError(c, errCreate, "create failed")
		return
	}
	created, _ := h.store.Get(id)
	c.JSON(http.StatusCreated, created)
}

// Update replaces the editable fields of a profile.
func (h *ProfileHandler) Update(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	var body profileRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if errUpdate := h.store.Update(c.Request.Context(), id, body.toProfile()); errUpdate != nil {
		writeProfileError(c, errUpdate, "update failed")
		return
	}
	updated, _ := h.store.Get(id)
	c.JSON(http.StatusOK, updated)
}

// Delete removes a profile.
func (h *ProfileHandler) Delete(c *gin.Context) {
	if errDelete := h.store.Delete(c.Request.Context(), strings.TrimSpace(c.Param("id"))); errDelete != nil {
		writeProfileError(c, errDelete, "delete failed")
		return
	}
	c.Status(http.StatusNoContent)
}

// Activate makes the profile the single active one.
func (h *ProfileHandler) Activate(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if errActivate := h.store.Activate(c.Request.Context(), id); errActivate != nil {
		writeProfileError(c, errActivate, "activate failed")
		return
	}
	activated, _ := h.store.Get(id)
	c.JSON(http.StatusOK, activated)
}

func writeProfileError(c *gin.Context, err error, fallback string) {
	var cfgErr *profile.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": cfgErr.Error()})
	case errors.Is(err, profile.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		log.WithError(err).Error("admin: profile operation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
