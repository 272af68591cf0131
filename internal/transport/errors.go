package transport

import (
	"errors"
	"fmt"
)

// The upstream error taxonomy. Polling callers absorb NetworkError and
// ServerError into staleness; AuthError always propagates to the session
// boundary; PermissionError and NotFoundError mean "no data for this panel"
// on cross-role endpoints and are not failures.

// NetworkError is a request that produced no usable response (refused,
// reset, or timed out).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// AuthError is a 401: the bearer credential is no longer valid and no other
// component can recover from that.
type AuthError struct {
	URL string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failure for %s", e.URL)
}

// PermissionError is a 403, expected when polling endpoints outside the
// session's role.
type PermissionError struct {
	URL string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied for %s", e.URL)
}

// NotFoundError is a 404, which for some endpoints is a valid "no data yet"
// signal (e.g. no aircraft assigned to this pilot).
type NotFoundError struct {
	URL string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.URL)
}

// ServerError is a 5xx, a malformed payload, or a 200 response carrying an
// error envelope instead of data.
type ServerError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server failure for %s (status %d): %s", e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server failure for %s (status %d)", e.URL, e.StatusCode)
}

// ProtocolError is a response in a shape the protocol does not allow, such
// as a clearance status outside the known set.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Message)
}

// IsAuthFailure reports whether err is (or wraps) an AuthError
func IsAuthFailure(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsPermissionDenied reports whether err is (or wraps) a PermissionError
func IsPermissionDenied(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}

// IsNetworkFailure reports whether err is (or wraps) a NetworkError
func IsNetworkFailure(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsNoData reports whether err means "this panel has no data" rather than a
// real failure (403 on cross-role endpoints, 404 before first assignment).
func IsNoData(err error) bool {
	return IsPermissionDenied(err) || IsNotFound(err)
}
