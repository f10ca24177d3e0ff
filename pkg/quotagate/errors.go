package quotagate

import "errors"

var (
	// ErrStorageUnavailable is returned when the backing store cannot be
	// reached or a query fails. The middleware fails open on this.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUserNotFound is returned for lookups of users with no record.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidLimits is returned for limits with negative ceilings.
	ErrInvalidLimits = errors.New("invalid limits")
)
