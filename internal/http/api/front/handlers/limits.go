package handlers

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/throttlekit/throttled/internal/ratelimit"
)

// LimitHandler exposes admission decisions over HTTP.
type LimitHandler struct {
	manager *ratelimit.Manager
}

// NewLimitHandler constructs a LimitHandler.
func NewLimitHandler(manager *ratelimit.Manager) *LimitHandler {
	return &LimitHandler{manager: manager}
}

// limitRequest names a policy, the subject parts and an optional cost.
type limitRequest struct {
	Policy  string   `json:"policy"`  // Policy name.
	Subject []string `json:"subject"` // Subject parts, e.g. ["tenant-1", "user-7"].
	Cost    int64    `json:"cost"`    // Zero uses the policy default.
}

// Acquire consumes quota. Denied calls answer 429; a denial produced because the
// distributed backend is unavailable answers 503.
func (h *LimitHandler) Acquire(c *gin.Context) {
	body, ok := bindLimitRequest(c)
	if !ok {
		return
	}
	decision, errAcquire := h.manager.TryAcquire(c.Request.Context(), body.Policy, body.Subject, body.Cost)
	if errAcquire != nil && !errors.Is(errAcquire, ratelimit.ErrBackendUnavailable) {
		writeLimitError(c, errAcquire)
		return
	}
	writeRateLimitHeaders(c, decision)

	status := http.StatusOK
	if !decision.Allowed {
		status = http.StatusTooManyRequests
		if decision.Fallback {
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, decisionView(body.Policy, decision))
}

// Peek reports the decision Acquire would return without consuming quota.
func (h *LimitHandler) Peek(c *gin.Context) {
	body, ok := bindLimitRequest(c)
	if !ok {
		return
	}
	decision, errPeek := h.manager.Peek(c.Request.Context(), body.Policy, body.Subject, body.Cost)
	if errPeek != nil && !errors.Is(errPeek, ratelimit.ErrBackendUnavailable) {
		writeLimitError(c, errPeek)
		return
	}
	writeRateLimitHeaders(c, decision)
	c.JSON(http.StatusOK, decisionView(body.Policy, decision))
}

// Reset restores the subject's full quota.
func (h *LimitHandler) Reset(c *gin.Context) {
	body, ok := bindLimitRequest(c)
	if !ok {
		return
	}
	if errReset := h.manager.Reset(c.Request.Context(), body.Policy, body.Subject); errReset != nil {
		if errors.Is(errReset, ratelimit.ErrBackendUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend unavailable"})
			return
		}
		writeLimitError(c, errReset)
		return
	}
	c.Status(http.StatusNoContent)
}

func bindLimitRequest(c *gin.Context) (limitRequest, bool) {
	var body limitRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return body, false
	}
	body.Policy = strings.TrimSpace(body.Policy)
	if body.Policy == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing policy"})
		return body, false
	}
	return body, true
}

func writeLimitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrPolicyNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "policy not found"})
	case errors.Is(err, ratelimit.ErrInvalidCost):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cost"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rate limit check failed"})
	}
}

// writeRateLimitHeaders maps a decision onto the conventional rate limit headers.
func writeRateLimitHeaders(c *gin.Context, d ratelimit.Decision) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		c.Header("Retry-After", strconv.FormatInt(retryAfterSeconds(d), 10))
	}
}

// retryAfterSeconds rounds up so clients never retry early.
func retryAfterSeconds(d ratelimit.Decision) int64 {
	secs := int64(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func decisionView(policy string, d ratelimit.Decision) gin.H {
	view := gin.H{
		"policy":    policy,
		"allowed":   d.Allowed,
		"limit":     d.Limit,
		"remaining": d.Remaining,
		"reset_at":  d.ResetAt.UTC(),
	}
	if !d.Allowed {
		view["retry_after_ms"] = d.RetryAfter.Milliseconds()
	}
	if d.Fallback {
		view["fallback"] = true
	}
	return view
}
