package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"edge-gateway-go/internal/route"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	routes  *route.Table
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(routes *route.Table, v Version) *HealthHandler {
	return &HealthHandler{routes: routes, version: v}
}

type routeStatus struct {
	Name         string `json:"name"`
	Prefix       string `json:"prefix"`
	Upstream     string `json:"upstream"`
	StripPrefix  bool   `json:"strip_prefix"`
	ChangeOrigin bool   `json:"change_origin"`
}

type gatewayStatus struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Routes  []routeStatus `json:"routes"`
}

// Health answers liveness probes. It never touches an upstream.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the build version and the routes in match order.
func (h *HealthHandler) Status(c echo.Context) error {
	rules := h.routes.Rules()
	out := gatewayStatus{
		Status:  "ok",
		Version: string(h.version),
		Routes:  make([]routeStatus, 0, len(rules)),
	}
	for _, r := range rules {
		out.Routes = append(out.Routes, routeStatus{
			Name:         r.Name,
			Prefix:       r.Prefix,
			Upstream:     r.Upstream.Redacted(),
			StripPrefix:  r.StripPrefix,
			ChangeOrigin: r.ChangeOrigin,
		})
	}
	return c.JSON(http.StatusOK, out)
}
