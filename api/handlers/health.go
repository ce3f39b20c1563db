package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const healthTimeout = 3 * time.Second

// Check reports the health of one dependency
type Check func(ctx context.Context) error

// HealthHandler reports dependency health and runtime counters
type HealthHandler struct {
	service string
	checks  map[string]Check
	stats   func() map[string]interface{}
}

// NewHealthHandler creates a health handler; stats may be nil
func NewHealthHandler(serviceName string, checks map[string]Check, stats func() map[string]interface{}) *HealthHandler {
	return &HealthHandler{service: serviceName, checks: checks, stats: stats}
}

// HealthCheck handles health check requests
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	components := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			components[name] = gin.H{"status": "unhealthy", "error": err.Error()}
			status = "unhealthy"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = gin.H{"status": "healthy"}
	}

	c.JSON(code, gin.H{
		"status":     status,
		"service":    h.service,
		"components": components,
	})
}

// Stats returns runtime counters
func (h *HealthHandler) Stats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, h.stats())
}
