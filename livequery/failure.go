package livequery

import "fmt"

// FailureKind distinguishes the two recoverable failure modes a watcher can
// surface.
type FailureKind string

const (
	// FetchFailed: the point-in-time read failed. The previous list stays on
	// screen and the subscription stays open.
	FetchFailed FailureKind = "fetch_failed"
	// SubscriptionOpenFailed: the change subscription could not be opened.
	// The list stays empty or stale; the caller retries with a fresh
	// mount-equivalent sequence, there is no automatic backoff loop.
	SubscriptionOpenFailed FailureKind = "subscription_open_failed"
)

// Failure is reported through the watcher's error callback. It is always
// screen-local: one watcher's failure never affects another's subscription.
type Failure struct {
	Kind  FailureKind
	Table string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("livequery %s: table %q: %v", f.Kind, f.Table, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
