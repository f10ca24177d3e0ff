package api

import (
	"fmt"
	"net/http"

	"github.com/quotagate/quotagate/pkg/quotagate"
)

// Config holds configuration for the quota API handler.
type Config struct {
	// Enforcer is the quota enforcement engine (required). The handler
	// uses its store, cache and scheduler-facing operations.
	Enforcer *quotagate.Enforcer

	// GetUserID extracts the authenticated user ID from the request
	// (required). Same pattern as middleware/http.
	GetUserID func(*http.Request) string

	// IsAdmin reports whether the request may use the admin surface.
	// If nil, the admin routes respond 403 to everyone.
	IsAdmin func(*http.Request) bool

	// MetricsHandler serves the Prometheus exposition endpoint.
	// If nil, the /metrics route is not mounted.
	MetricsHandler http.Handler

	// OnError handles errors (auth, internal, etc.).
	// If nil, a JSON {"error": ...} body is written.
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Enforcer == nil {
		return fmt.Errorf("enforcer is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a quota API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Handler{config: config}, nil
}

// FromHeader returns a GetUserID function that reads a header value.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// AdminHeader returns an IsAdmin function that checks a header for an
// exact token match. Intended for internal deployments behind a gateway.
func AdminHeader(headerName, token string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		return token != "" && r.Header.Get(headerName) == token
	}
}
