// Package delivery sends job artifacts and status notifications to the
// caller's endpoints. Uploads and webhooks share the same transport but
// carry fully independent retry budgets.
package delivery

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError represents a non-success HTTP response from a caller endpoint.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Permanent reports whether the response indicates a caller-side
// configuration problem that retrying cannot fix.
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Retryable classifies delivery errors: transport failures and 5xx-class
// responses are worth another attempt, 4xx-class responses are not.
func Retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return !statusErr.Permanent()
	}
	return true
}
