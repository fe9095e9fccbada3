package reconcile

import "errors"

var (
	// ErrUnknownInstance hides whether a name exists in another tenant.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrStaleEventIgnored is not a failure: the event carried no newer
	// information than the stored state.
	ErrStaleEventIgnored = errors.New("stale status event ignored")
	ErrInstanceClosed    = errors.New("instance is closed")
	ErrRetryable         = errors.New("instance is busy, retry the request")
	ErrInvalidName       = errors.New("invalid instance name")
)
