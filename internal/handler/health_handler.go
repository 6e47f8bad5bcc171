package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// Probe checks one dependency, nil when healthy
type Probe func(ctx context.Context) error

// HealthHandler health and liveness handler
type HealthHandler struct {
	probes  map[string]Probe
	version string
	timeout time.Duration
}

// NewHealthHandler creates a health handler over named probes
func NewHealthHandler(probes map[string]Probe, version string) *HealthHandler {
	return &HealthHandler{
		probes:  probes,
		version: version,
		timeout: 5 * time.Second,
	}
}

// Ping liveness check
func (h *HealthHandler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":   "pong",
		"timestamp": time.Now().Unix(),
	})
}

// Health readiness check; 503 when any probe fails
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	services := make(map[string]interface{}, len(names))
	for _, name := range names {
		if err := h.probes[name](ctx); err != nil {
			healthy = false
			services[name] = map[string]interface{}{
				"healthy": false,
				"error":   err.Error(),
			}
			continue
		}
		services[name] = map[string]interface{}{
			"healthy": true,
			"status":  "connected",
		}
	}

	health := map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"version":   h.version,
		"services":  services,
	}
	if !healthy {
		health["status"] = "error"
		c.JSON(http.StatusServiceUnavailable, health)
		return
	}
	c.JSON(http.StatusOK, health)
}
