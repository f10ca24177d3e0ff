package api

import "github.com/quotagate/quotagate/pkg/quotagate"

// UserQuotasResponse is the combined limits and usage view for one user.
type UserQuotasResponse struct {
	UserID string           `json:"user_id"`
	Limits quotagate.Limits `json:"limits"`
	Usage  quotagate.Usage  `json:"usage"`
}

// MyUsageResponse extends the quotas view with percent-of-limit figures.
type MyUsageResponse struct {
	UserID      string             `json:"user_id"`
	Limits      quotagate.Limits   `json:"limits"`
	Usage       quotagate.Usage    `json:"usage"`
	Percentages map[string]float64 `json:"percentages"`
}

// ViolationsResponse is the envelope for violation listings.
type ViolationsResponse struct {
	Violations []quotagate.Violation `json:"violations"`
	Total      int                   `json:"total"`
	Hours      int                   `json:"hours"`
	UserID     string                `json:"user_id,omitempty"`
}

// ResetResponse reports a manual counter reset.
type ResetResponse struct {
	Message       string `json:"message"`
	UsersAffected int64  `json:"users_affected"`
}

// CleanupResponse reports a manual violation purge.
type CleanupResponse struct {
	Message           string `json:"message"`
	ViolationsDeleted int64  `json:"violations_deleted"`
	Days              int    `json:"days"`
}
