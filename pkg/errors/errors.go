package apperrors

import (
	"errors"
	"fmt"
)

// Standardized upstream and engine errors. The upstream client attaches one of
// these at the point it classifies a response; callers match with errors.Is
// instead of inspecting error text.
var (
	ErrNetwork              = errors.New("network error")
	ErrMalformedResponse    = errors.New("malformed upstream response")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidCredentials   = errors.New("invalid login credentials")
	ErrNotFound             = errors.New("product or variant not found")
	ErrCartRejected         = errors.New("cart insertion rejected")
	ErrPersistence          = errors.New("state snapshot persistence failed")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap attaches a classification sentinel to a cause with context.
func Wrap(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{sentinel}, args...)...)
}
