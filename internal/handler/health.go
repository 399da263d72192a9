// Package handler serves the admin HTTP API beside the proxy listener.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"intercept-proxy-go/internal/config"
	"intercept-proxy-go/internal/proxy"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	proxy   *proxy.Proxy
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, p *proxy.Proxy, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, proxy: p, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information for harness tooling.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          string(h.version),
		"state":            h.proxy.State(),
		"listen_addr":      h.proxy.Addr(),
		"open_connections": h.proxy.OpenConnections(),
		"intercepting":     h.proxy.Intercepting(),
	})
}
