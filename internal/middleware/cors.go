package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"edge-gateway-go/internal/config"
)

// CORS returns permissive cross-origin middleware for the configured origins.
// Preflight requests are answered by the gateway and never reach an upstream.
func CORS(cfg config.CORSConfig) echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch,
			http.MethodPost, http.MethodDelete, http.MethodOptions,
		},
		ExposeHeaders: []string{echo.HeaderXRequestID},
	})
}
