package api

import "errors"

// Error taxonomy for the transport session. All of these are recoverable:
// a failed call yields a stale result for that device on that tick and
// never stops the fleet loop.
var (
	// ErrAuthExpired means the bearer token was rejected. The client
	// refreshes and retries exactly once before surfacing this.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrTransportUnavailable means the backend could not be reached or
	// answered with a non-auth failure. Callers fall back to cached data.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrMalformedPayload means a response or record could not be decoded.
	// Batch consumers skip the offending record and continue.
	ErrMalformedPayload = errors.New("malformed payload")
)
