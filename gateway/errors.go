package gateway

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input. Never retried; the transport
// surfaces it as a client error.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

var (
	// ErrRateLimited means a client-facing ceiling was hit. No upstream
	// call is made.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrFriendOnly rejects registration when the server only serves the
	// configured friend list.
	ErrFriendOnly = errors.New("only friends can create a new account")
	// ErrNotVerified means the account exists but never completed the
	// ownership proof.
	ErrNotVerified = errors.New("account is not yet verified")
	// ErrTokenMismatch means the supplied private token does not equal
	// the committed credential. The account-action counter is penalized
	// to slow brute-forcing.
	ErrTokenMismatch = errors.New("private token mismatch")
	// ErrUpstreamFailure wraps a failed upstream fetch.
	ErrUpstreamFailure = errors.New("invalid response from upstream")
	// ErrUpstreamTimeout wraps an upstream fetch that hit the deadline.
	ErrUpstreamTimeout = errors.New("upstream request timed out")
)
