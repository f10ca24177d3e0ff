// Package api provides the HTTP surface for quota administration and
// self-service inspection, built on chi.
package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quotagate/quotagate/pkg/quotagate"
)

const (
	maxUserIDLen     = 255
	defaultHours     = 24
	defaultListLimit = 100
	defaultPurgeDays = 30
)

// Handler provides HTTP endpoints for quota administration and inspection.
type Handler struct {
	config Config
}

// Routes returns the router for the quota API. Mount it under /quotas:
//
//	r.Mount("/quotas", handler.Routes())
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/users/{userID}/quotas", h.GetUserQuotas)
		r.Put("/users/{userID}/quotas", h.PutUserQuotas)
		r.Delete("/users/{userID}", h.DeleteUser)
		r.Get("/violations", h.ListViolations)
		r.Get("/statistics", h.GetStatistics)
		r.Post("/reset/hourly", h.ResetHourly)
		r.Post("/reset/daily", h.ResetDaily)
		r.Delete("/violations/cleanup", h.CleanupViolations)
	})

	r.Route("/my", func(r chi.Router) {
		r.Get("/quotas", h.GetMyQuotas)
		r.Get("/usage", h.GetMyUsage)
		r.Get("/violations", h.GetMyViolations)
	})

	if h.config.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.config.MetricsHandler)
	}

	return r
}

// requireAdmin gates the administrative surface.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.IsAdmin == nil || !h.config.IsAdmin(r) {
			h.handleError(w, r, fmt.Errorf("admin access required"), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUserQuotas returns any user's limits and usage.
func (h *Handler) GetUserQuotas(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID"), http.StatusBadRequest)
		return
	}
	h.writeUserQuotas(w, r, userID)
}

// PutUserQuotas overwrites a user's limits and invalidates the cache entry
// so the new ceilings take effect within one TTL everywhere and immediately
// in this process.
func (h *Handler) PutUserQuotas(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID"), http.StatusBadRequest)
		return
	}

	var limits quotagate.Limits
	if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return
	}
	limits.UserID = userID

	ctx := r.Context()
	if err := h.config.Enforcer.Store().UpsertLimits(ctx, &limits); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to update quotas: %w", err), http.StatusInternalServerError)
		return
	}
	h.config.Enforcer.Cache().Invalidate(userID)

	h.writeUserQuotas(w, r, userID)
}

// DeleteUser removes a user's limits, usage and violations.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" || len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID"), http.StatusBadRequest)
		return
	}

	if err := h.config.Enforcer.Store().DeleteUser(r.Context(), userID); err != nil {
		h.handleError(w, r, fmt.Errorf("failed to delete user: %w", err), http.StatusInternalServerError)
		return
	}
	h.config.Enforcer.Cache().Invalidate(userID)

	h.writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("User %s deleted", userID),
	})
}

// ListViolations returns recent violations, optionally filtered by user.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	hours := queryInt(r, "hours", defaultHours)
	limit := queryInt(r, "limit", defaultListLimit)

	violations, err := h.config.Enforcer.Store().ListViolations(r.Context(), userID, hours, limit)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list violations: %w", err), http.StatusInternalServerError)
		return
	}
	if violations == nil {
		violations = []quotagate.Violation{}
	}

	h.writeJSON(w, http.StatusOK, ViolationsResponse{
		Violations: violations,
		Total:      len(violations),
		Hours:      hours,
		UserID:     userID,
	})
}

// GetStatistics returns the aggregate usage view.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.config.Enforcer.Store().Statistics(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to get statistics: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ResetHourly zeroes every user's hourly request counter.
func (h *Handler) ResetHourly(w http.ResponseWriter, r *http.Request) {
	n, err := h.config.Enforcer.Store().ResetHourly(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to reset hourly counters: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, ResetResponse{
		Message:       "Hourly counters reset",
		UsersAffected: n,
	})
}

// ResetDaily zeroes every user's daily request counter.
func (h *Handler) ResetDaily(w http.ResponseWriter, r *http.Request) {
	n, err := h.config.Enforcer.Store().ResetDaily(r.Context())
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to reset daily counters: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, ResetResponse{
		Message:       "Daily counters reset",
		UsersAffected: n,
	})
}

// CleanupViolations purges violations older than the given number of days.
func (h *Handler) CleanupViolations(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", defaultPurgeDays)
	if days < 1 {
		h.handleError(w, r, fmt.Errorf("days must be positive"), http.StatusBadRequest)
		return
	}

	n, err := h.config.Enforcer.Store().PurgeViolationsOlderThan(r.Context(), days)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to purge violations: %w", err), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, CleanupResponse{
		Message:           "Old violations deleted",
		ViolationsDeleted: n,
		Days:              days,
	})
}

// GetMyQuotas returns the caller's limits and usage.
func (h *Handler) GetMyQuotas(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	h.writeUserQuotas(w, r, userID)
}

// GetMyUsage returns the caller's usage with percent-of-limit figures.
func (h *Handler) GetMyUsage(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}

	limits, usage, err := h.resolveUser(r, userID)
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, MyUsageResponse{
		UserID: userID,
		Limits: limits,
		Usage:  usage,
		Percentages: map[string]float64{
			"req_hour":    percent(usage.ReqHour, limits.ReqPerHour),
			"req_day":     percent(usage.ReqDay, limits.ReqPerDay),
			"cpu_seconds": percent(usage.CPUSeconds, limits.CPUSeconds),
			"memory_mb":   percent(usage.MemPeakMB, limits.MemoryMB),
			"storage_mb":  percent(usage.StorageMB, limits.StorageMB),
			"files_count": percent(usage.FilesCount, limits.FilesMax),
		},
	})
}

// GetMyViolations returns the caller's recent violations.
func (h *Handler) GetMyViolations(w http.ResponseWriter, r *http.Request) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return
	}
	hours := queryInt(r, "hours", defaultHours)
	limit := queryInt(r, "limit", defaultListLimit)

	violations, err := h.config.Enforcer.Store().ListViolations(r.Context(), userID, hours, limit)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("failed to list violations: %w", err), http.StatusInternalServerError)
		return
	}
	if violations == nil {
		violations = []quotagate.Violation{}
	}

	h.writeJSON(w, http.StatusOK, ViolationsResponse{
		Violations: violations,
		Total:      len(violations),
		Hours:      hours,
		UserID:     userID,
	})
}

func (h *Handler) writeUserQuotas(w http.ResponseWriter, r *http.Request, userID string) {
	limits, usage, err := h.resolveUser(r, userID)
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, UserQuotasResponse{
		UserID: userID,
		Limits: limits,
		Usage:  usage,
	})
}

// resolveUser fetches limits (defaults applied) and usage for one user.
func (h *Handler) resolveUser(r *http.Request, userID string) (quotagate.Limits, quotagate.Usage, error) {
	ctx := r.Context()
	store := h.config.Enforcer.Store()

	limits, err := store.GetLimits(ctx, userID)
	if err != nil {
		return quotagate.Limits{}, quotagate.Usage{}, fmt.Errorf("failed to get limits: %w", err)
	}
	resolved := quotagate.DefaultLimits()
	if limits != nil {
		resolved = *limits
	}
	resolved.UserID = userID

	usage, err := store.GetUsage(ctx, userID)
	if err != nil {
		return quotagate.Limits{}, quotagate.Usage{}, fmt.Errorf("failed to get usage: %w", err)
	}
	if usage == nil {
		usage = &quotagate.Usage{UserID: userID}
	}
	return resolved, *usage, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// percent returns usage as a percent of limit, rounded to one decimal.
func percent(current, limit int64) float64 {
	if limit < 1 {
		limit = 1
	}
	return math.Round(float64(current)/float64(limit)*1000) / 10
}
