// Package gin provides Gin middleware for quota enforcement.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quotagate/quotagate/pkg/quotagate"
)

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if the request carries no identity.
type UserIDExtractor func(c *gin.Context) string

// Config holds middleware configuration.
type Config struct {
	// Enforcer is the quota enforcement engine (required).
	Enforcer *quotagate.Enforcer

	// GetUserID extracts the user ID from the request (required).
	GetUserID UserIDExtractor

	// GetEndpoint maps the request to a metrics endpoint label.
	// Default: the matched route path.
	GetEndpoint func(c *gin.Context) string

	// OnDenied is called instead of writing the default denial response.
	OnDenied func(c *gin.Context, denial quotagate.Denial)
}

// Middleware creates a Gin middleware enforcing per-user quotas. Anonymous
// requests pass through; denied requests are aborted with a JSON denial;
// a store failure during the check admits the request (fail open).
func Middleware(config Config) gin.HandlerFunc {
	if config.Enforcer == nil {
		panic("quotagate middleware: Enforcer is required")
	}
	if config.GetUserID == nil {
		panic("quotagate middleware: GetUserID is required")
	}
	if config.GetEndpoint == nil {
		config.GetEndpoint = func(c *gin.Context) string {
			if path := c.FullPath(); path != "" {
				return path
			}
			return c.Request.URL.Path
		}
	}

	return func(c *gin.Context) {
		if !config.Enforcer.Enabled() {
			c.Next()
			return
		}

		userID := config.GetUserID(c)
		if userID == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := config.Enforcer.Precheck(ctx, userID, c.Request.URL.Path)
		if err != nil {
			config.Enforcer.FailOpen(userID, err)
		} else if !res.Allowed {
			denial := config.Enforcer.Deny(ctx, userID, res)
			if config.OnDenied != nil {
				config.OnDenied(c, denial)
				c.Abort()
			} else {
				c.AbortWithStatusJSON(denial.Status, denial.Body)
			}
			return
		}

		meter := quotagate.NewMeter()
		endpoint := config.GetEndpoint(c)

		defer func() {
			panicked := recover()
			status := c.Writer.Status()
			if panicked != nil {
				status = http.StatusInternalServerError
			}
			if ctx.Err() == nil {
				config.Enforcer.PostAccount(ctx, userID, endpoint, status, meter.Measure())
			}
			if panicked != nil {
				panic(panicked)
			}
		}()

		c.Next()
	}
}

// FromHeader returns a UserIDExtractor that reads a header value.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContextKey returns a UserIDExtractor that reads the user ID set by an
// upstream authentication middleware via c.Set.
func FromContextKey(key string) UserIDExtractor {
	return func(c *gin.Context) string {
		if userID, ok := c.Get(key); ok {
			if s, ok := userID.(string); ok {
				return s
			}
		}
		return ""
	}
}
