package backend

import "errors"

// Sentinel errors returned by row-store adapters. Adapters map their native
// failure modes onto these so the dispatch layer can classify an action
// failure without knowing the transport.
var (
	// ErrValidation covers backend-side constraint failures such as a
	// duplicate key or a check violation.
	ErrValidation = errors.New("validation rejected")

	// ErrPermissionDenied covers server-side role or ownership checks.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUnavailable covers transport and backend failures.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrSessionExpired is returned by account stores when the current token
	// has expired; callers treat it identically to a sign-out.
	ErrSessionExpired = errors.New("session expired")
)
