// Package http provides net/http middleware for quota enforcement.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/quotagate/quotagate/pkg/quotagate"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if the request carries no identity.
type UserIDExtractor func(r *http.Request) string

// EndpointExtractor maps a request to the endpoint label used in metrics.
type EndpointExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Enforcer is the quota enforcement engine (required).
	Enforcer *quotagate.Enforcer

	// GetUserID extracts the user ID from the request (required).
	GetUserID UserIDExtractor

	// GetEndpoint maps the request to a metrics endpoint label.
	// Default: the request path.
	GetEndpoint EndpointExtractor

	// OnDenied is called instead of writing the default denial response.
	OnDenied func(w http.ResponseWriter, r *http.Request, denial quotagate.Denial)
}

// Middleware creates an HTTP middleware enforcing per-user quotas.
//
// The request flow: anonymous requests pass through untouched; a failed
// quota check is answered with a JSON denial and never reaches the handler;
// a store failure during the check admits the request (fail open). Admitted
// requests are accounted after the handler returns, panics included, unless
// the client has already gone away.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Enforcer == nil {
		panic("quotagate middleware: Enforcer is required")
	}
	if config.GetUserID == nil {
		panic("quotagate middleware: GetUserID is required")
	}
	if config.GetEndpoint == nil {
		config.GetEndpoint = func(r *http.Request) string { return r.URL.Path }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enforcer.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			userID := config.GetUserID(r)
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			res, err := config.Enforcer.Precheck(ctx, userID, r.URL.Path)
			if err != nil {
				config.Enforcer.FailOpen(userID, err)
			} else if !res.Allowed {
				denial := config.Enforcer.Deny(ctx, userID, res)
				if config.OnDenied != nil {
					config.OnDenied(w, r, denial)
				} else {
					WriteDenial(w, denial)
				}
				return
			}

			meter := quotagate.NewMeter()
			rec := &statusRecorder{ResponseWriter: w}
			endpoint := config.GetEndpoint(r)

			defer func() {
				panicked := recover()
				status := rec.status()
				if panicked != nil {
					status = http.StatusInternalServerError
				}
				// A cancelled request never produced a response; skip
				// accounting rather than charge for work the client
				// abandoned.
				if ctx.Err() == nil {
					config.Enforcer.PostAccount(ctx, userID, endpoint, status, meter.Measure())
				}
				if panicked != nil {
					panic(panicked)
				}
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

// WriteDenial writes the standard JSON denial response.
func WriteDenial(w http.ResponseWriter, denial quotagate.Denial) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(denial.Status)
	_ = json.NewEncoder(w).Encode(denial.Body)
}

// statusRecorder captures the status code written by the handler.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) status() int {
	if r.code == 0 {
		return http.StatusOK
	}
	return r.code
}

// Common extractors for convenience.

// FromHeader returns a UserIDExtractor that reads a header value.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromBearerToken returns a UserIDExtractor that treats the Authorization
// bearer token as the user ID. Useful when tokens are opaque API keys.
func FromBearerToken() UserIDExtractor {
	return func(r *http.Request) string {
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if strings.HasPrefix(auth, prefix) {
			return strings.TrimSpace(auth[len(prefix):])
		}
		return ""
	}
}

// BearerResolver returns a UserIDExtractor that resolves the Authorization
// bearer token to a user ID through lookup. A lookup error is treated as no
// identity, so the request passes through unaccounted.
func BearerResolver(lookup func(ctx context.Context, token string) (string, error)) UserIDExtractor {
	return func(r *http.Request) string {
		token := FromBearerToken()(r)
		if token == "" {
			return ""
		}
		userID, err := lookup(r.Context(), token)
		if err != nil {
			return ""
		}
		return userID
	}
}

// ContextKey is a type for context keys.
type ContextKey string

// UserIDKey is the context key for the authenticated user ID.
const UserIDKey ContextKey = "quotagate:userID"

// FromContext returns a UserIDExtractor that reads the user ID from the
// request context, as set by an upstream authentication middleware.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
