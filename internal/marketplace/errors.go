package marketplace

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the classified form of a destination API failure. It is built
// exactly once, where the HTTP response is read; nothing downstream is
// allowed to re-derive classification from message text.
type Error struct {
	StatusCode  int
	VendorCode  string
	Message     string
	RateLimited bool
	RetryAfter  string // raw Retry-After header, empty if absent
}

func (e *Error) Error() string {
	if e.VendorCode != "" {
		return fmt.Sprintf("marketplace: %s (status %d, code %s)", e.Message, e.StatusCode, e.VendorCode)
	}
	return fmt.Sprintf("marketplace: %s (status %d)", e.Message, e.StatusCode)
}

// NewRateLimitError builds the classified error for a quota-exceeded response
func NewRateLimitError(message, retryAfter string) *Error {
	return &Error{
		StatusCode:  http.StatusTooManyRequests,
		Message:     message,
		RateLimited: true,
		RetryAfter:  retryAfter,
	}
}

// IsRateLimited reports whether err carries an explicit quota-exhaustion
// marker. Only a classified *Error flagged RateLimited (or a bare 429
// status) qualifies; everything else is terminal for the item.
func IsRateLimited(err error) bool {
	var me *Error
	if !errors.As(err, &me) {
		return false
	}
	return me.RateLimited || me.StatusCode == http.StatusTooManyRequests
}

// RetryAfterHint extracts the raw Retry-After header from a classified
// error, or "" when there is none to honor.
func RetryAfterHint(err error) string {
	var me *Error
	if !errors.As(err, &me) {
		return ""
	}
	return me.RetryAfter
}
