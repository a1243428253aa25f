package mailbox

import (
	"errors"
	"fmt"
)

// AuthError indicates that the mailbox rejected the supplied
// credentials. It is terminal for the current cycle.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Username, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// NetworkError indicates the mailbox host was unreachable or a
// mailbox operation timed out. It is terminal for the current cycle.
type NetworkError struct {
	Addr string
	Op   string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error (%s %s): %v", e.Op, e.Addr, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err (or any error in its chain) is a
// NetworkError.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
