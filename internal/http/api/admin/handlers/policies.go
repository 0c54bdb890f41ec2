package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/throttlekit/throttled/internal/policystore"
	"github.com/throttlekit/throttled/internal/ratelimit"
	"github.com/throttlekit/throttled/internal/watcher"
)

// PolicyHandler manages rate limit policy endpoints.
type PolicyHandler struct {
	service *watcher.PolicyService
}

// NewPolicyHandler constructs a PolicyHandler.
func NewPolicyHandler(service *watcher.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: service}
}

// putPolicyRequest defines the request body for saving a policy.
type putPolicyRequest struct {
	Limit       int64             `json:"limit"`       // Units admitted per window.
	Window      string            `json:"window"`      // Go duration, e.g. "1m".
	Algorithm   string            `json:"algorithm"`   // Admission algorithm.
	Burst       int64             `json:"burst"`       // Bucket capacity.
	Cost        int64             `json:"cost"`        // Default cost per call.
	Period      string            `json:"period"`      // daily or monthly.
	Labels      map[string]string `json:"labels"`      // Free-form labels.
	Description string            `json:"description"` // Operator notes.
	Enabled     *bool             `json:"enabled"`     // Defaults to true.
}

// List returns policies filtered by name and label.
func (h *PolicyHandler) List(c *gin.Context) {
	filter := policystore.Filter{
		Query:      strings.TrimSpace(c.Query("name")),
		LabelKey:   strings.TrimSpace(c.Query("label")),
		LabelValue: c.Query("value"),
	}
	records, errList := h.service.List(c.Request.Context(), filter)
	if errList != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list policies failed"})
		return
	}
	sources := h.service.Sources()
	out := make([]gin.H, 0, len(records))
	for _, rec := range records {
		out = append(out, policyView(rec, sources[rec.Policy.Name]))
	}
	c.JSON(http.StatusOK, gin.H{"policies": out, "persistent": h.service.Persistent()})
}

// Get returns a policy by name.
func (h *PolicyHandler) Get(c *gin.Context) {
	name := policyName(c)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid name"})
		return
	}
	rec, errGet := h.service.Get(c.Request.Context(), name)
	if errGet != nil {
		if watcher.IsNotFound(errGet) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, policyView(rec, h.service.Sources()[rec.Policy.Name]))
}

// Put creates or replaces a policy.
func (h *PolicyHandler) Put(c *gin.Context) {
	name := policyName(c)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid name"})
		return
	}
	var body putPolicyRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	var window time.Duration
	if raw := strings.TrimSpace(body.Window); raw != "" {
		parsed, errParse := time.ParseDuration(raw)
		if errParse != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window"})
			return
		}
		window = parsed
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}

	rec := policystore.Record{
		Policy: ratelimit.Policy{
			Name:      name,
			Limit:     body.Limit,
			Window:    window,
			Algorithm: ratelimit.Algorithm(body.Algorithm),
			Burst:     body.Burst,
			Cost:      body.Cost,
			Period:    ratelimit.Period(body.Period),
		},
		Labels:      body.Labels,
		Description: strings.TrimSpace(body.Description),
		Enabled:     enabled,
	}
	if errSave := h.service.Save(c.Request.Context(), rec); errSave != nil {
		if errors.Is(errSave, ratelimit.ErrInvalidPolicy) {
			c.JSON(http.StatusBadRequest, gin.H{"error": errSave.Error()})
			return
		}
		log.WithError(errSave).WithField("policy", name).Error("admin: save policy failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save policy failed"})
		return
	}
	log.WithFields(log.Fields{"policy": name, "admin": c.GetString("adminSubject")}).Info("admin: policy saved")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Delete removes a policy.
func (h *PolicyHandler) Delete(c *gin.Context) {
	name := policyName(c)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid name"})
		return
	}
	deleted, errDelete := h.service.Delete(c.Request.Context(), name)
	if errDelete != nil {
		log.WithError(errDelete).WithField("policy", name).Error("admin: delete policy failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete failed"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	log.WithFields(log.Fields{"policy": name, "admin": c.GetString("adminSubject")}).Info("admin: policy deleted")
	c.Status(http.StatusNoContent)
}

// policyName reads the catch-all name parameter, which keeps slashes in pattern names.
func policyName(c *gin.Context) string {
	return strings.TrimSpace(strings.TrimPrefix(c.Param("name"), "/"))
}

func policyView(rec policystore.Record, source string) gin.H {
	p := rec.Policy
	labels := rec.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	view := gin.H{
		"name":        p.Name,
		"limit":       p.Limit,
		"window":      p.Window.String(),
		"algorithm":   p.Algorithm,
		"burst":       p.Burst,
		"cost":        p.Cost,
		"period":      p.Period,
		"labels":      labels,
		"description": rec.Description,
		"enabled":     rec.Enabled,
		"source":      source,
	}
	if !rec.UpdatedAt.IsZero() {
		view["updated_at"] = rec.UpdatedAt
	}
	return view
}
