package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthPath is reserved on the direct listener; every other path is relayed.
const HealthPath = "/__health"

// HealthHandler serves the liveness endpoint.
type HealthHandler struct{}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// Health answers any method with a plain "ok".
func (h *HealthHandler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
