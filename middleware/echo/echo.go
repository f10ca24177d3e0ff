// Package echo provides Echo middleware for quota enforcement.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/quotagate/quotagate/pkg/quotagate"
)

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if the request carries no identity.
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration.
type Config struct {
	// Enforcer is the quota enforcement engine (required).
	Enforcer *quotagate.Enforcer

	// GetUserID extracts the user ID from the request (required).
	GetUserID UserIDExtractor

	// GetEndpoint maps the request to a metrics endpoint label.
	// Default: the matched route path.
	GetEndpoint func(c echo.Context) string

	// OnDenied is called instead of writing the default denial response.
	OnDenied func(c echo.Context, denial quotagate.Denial) error
}

// Middleware creates an Echo middleware enforcing per-user quotas.
// Anonymous requests pass through; denied requests get a JSON denial; a
// store failure during the check admits the request (fail open). A handler
// error is accounted as a 500 before being handed to Echo's error handler.
func Middleware(config Config) echo.MiddlewareFunc {
	if config.Enforcer == nil {
		panic("quotagate middleware: Enforcer is required")
	}
	if config.GetUserID == nil {
		panic("quotagate middleware: GetUserID is required")
	}
	if config.GetEndpoint == nil {
		config.GetEndpoint = func(c echo.Context) string {
			if path := c.Path(); path != "" {
				return path
			}
			return c.Request().URL.Path
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !config.Enforcer.Enabled() {
				return next(c)
			}

			userID := config.GetUserID(c)
			if userID == "" {
				return next(c)
			}

			ctx := c.Request().Context()
			res, err := config.Enforcer.Precheck(ctx, userID, c.Request().URL.Path)
			if err != nil {
				config.Enforcer.FailOpen(userID, err)
			} else if !res.Allowed {
				denial := config.Enforcer.Deny(ctx, userID, res)
				if config.OnDenied != nil {
					return config.OnDenied(c, denial)
				}
				return c.JSON(denial.Status, denial.Body)
			}

			meter := quotagate.NewMeter()
			endpoint := config.GetEndpoint(c)

			handlerErr := next(c)

			status := c.Response().Status
			if handlerErr != nil {
				status = http.StatusInternalServerError
				if he, ok := handlerErr.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			if ctx.Err() == nil {
				config.Enforcer.PostAccount(ctx, userID, endpoint, status, meter.Measure())
			}
			return handlerErr
		}
	}
}

// FromHeader returns a UserIDExtractor that reads a header value.
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromContextKey returns a UserIDExtractor that reads the user ID set by an
// upstream authentication middleware via c.Set.
func FromContextKey(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}
