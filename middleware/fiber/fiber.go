// Package fiber provides Fiber middleware for quota enforcement.
package fiber

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/quotagate/quotagate/pkg/quotagate"
)

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if the request carries no identity.
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration.
type Config struct {
	// Enforcer is the quota enforcement engine (required).
	Enforcer *quotagate.Enforcer

	// GetUserID extracts the user ID from the request (required).
	GetUserID UserIDExtractor

	// GetEndpoint maps the request to a metrics endpoint label.
	// Default: the request path.
	GetEndpoint func(c *fiber.Ctx) string

	// OnDenied is called instead of writing the default denial response.
	OnDenied func(c *fiber.Ctx, denial quotagate.Denial) error
}

// Middleware creates a Fiber middleware enforcing per-user quotas.
// Anonymous requests pass through; denied requests get a JSON denial; a
// store failure during the check admits the request (fail open). A handler
// error is accounted as a 500 before being handed to Fiber's error handler.
func Middleware(config Config) fiber.Handler {
	if config.Enforcer == nil {
		panic("quotagate middleware: Enforcer is required")
	}
	if config.GetUserID == nil {
		panic("quotagate middleware: GetUserID is required")
	}
	if config.GetEndpoint == nil {
		config.GetEndpoint = func(c *fiber.Ctx) string { return c.Path() }
	}

	return func(c *fiber.Ctx) error {
		if !config.Enforcer.Enabled() {
			return c.Next()
		}

		userID := config.GetUserID(c)
		if userID == "" {
			return c.Next()
		}

		ctx := c.UserContext()
		res, err := config.Enforcer.Precheck(ctx, userID, c.Path())
		if err != nil {
			config.Enforcer.FailOpen(userID, err)
		} else if !res.Allowed {
			denial := config.Enforcer.Deny(ctx, userID, res)
			if config.OnDenied != nil {
				return config.OnDenied(c, denial)
			}
			return c.Status(denial.Status).JSON(denial.Body)
		}

		meter := quotagate.NewMeter()
		endpoint := config.GetEndpoint(c)

		handlerErr := c.Next()

		status := c.Response().StatusCode()
		if handlerErr != nil {
			status = http.StatusInternalServerError
			if fe, ok := handlerErr.(*fiber.Error); ok {
				status = fe.Code
			}
		}
		if ctx.Err() == nil {
			config.Enforcer.PostAccount(ctx, userID, endpoint, status, meter.Measure())
		}
		return handlerErr
	}
}

// FromHeader returns a UserIDExtractor that reads a header value.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns a UserIDExtractor that reads the user ID set by an
// upstream authentication middleware via c.Locals.
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}
