package stt

import "errors"

// Classified stream errors. Providers wrap one of these so that callers can
// decide with [errors.Is] whether reconnecting makes sense.
var (
	// ErrAuth reports rejected or missing credentials. Not retryable.
	ErrAuth = errors.New("stt: authentication failed")

	// ErrConfig reports a stream configuration the service rejected (unsupported
	// language, sample rate or encoding). Not retryable.
	ErrConfig = errors.New("stt: invalid stream configuration")

	// ErrServiceUnavailable reports that the service could not be reached or
	// dropped the stream. Retryable.
	ErrServiceUnavailable = errors.New("stt: service unavailable")

	// ErrStreamClosed is returned when sending on a half-closed or closed stream.
	ErrStreamClosed = errors.New("stt: stream closed")
)

// IsFatal reports whether err is a configuration or authentication failure
// that reconnecting cannot fix.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrConfig)
}
