package resilient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Category is the closed classification every failed call is mapped into,
// exactly once, at the transport boundary. Retry decisions are made on
// the category alone and never by inspecting free-text messages.
type Category string

const (
	CategoryNetwork        Category = "NETWORK"
	CategoryTimeout        Category = "TIMEOUT"
	CategoryAuthentication Category = "AUTHENTICATION"
	CategoryAuthorization  Category = "AUTHORIZATION"
	CategoryValidation     Category = "VALIDATION"
	CategoryRateLimited    Category = "RATE_LIMITED"
	CategoryServerError    Category = "SERVER_ERROR"
	CategoryOffline        Category = "OFFLINE"
	CategoryUnknown        Category = "UNKNOWN"
)

// Retriable reports whether a failure in this category can succeed by
// being attempted again. Authentication, authorization and validation
// failures are deterministic; retrying them wastes the retry budget and
// masks a required user action.
func (c Category) Retriable() bool {
	switch c {
	case CategoryNetwork, CategoryTimeout, CategoryOffline, CategoryServerError, CategoryRateLimited:
		return true
	}
	return false
}

// ErrOffline is the sentinel a platform connectivity layer returns from a
// Sender when the device is known to be offline before any bytes are
// sent.
var ErrOffline = errors.New("device is offline")

// Error is a classified transport failure. StatusCode is zero when the
// failure happened below the HTTP layer.
type Error struct {
	Category   Category
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Category, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return string(e.Category)
}

func (e *Error) Unwrap() error { return e.Err }

// CategoryOf extracts the category from a classified error, or
// CategoryUnknown for anything else.
func CategoryOf(err error) Category {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryUnknown
}

// classifyStatus maps an HTTP response status onto the taxonomy.
func classifyStatus(code int) Category {
	switch {
	case code == http.StatusUnauthorized:
		return CategoryAuthentication
	case code == http.StatusForbidden:
		return CategoryAuthorization
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return CategoryValidation
	case code == http.StatusTooManyRequests:
		return CategoryRateLimited
	case code >= 500:
		return CategoryServerError
	}
	return CategoryUnknown
}

// classifyErr maps a transport-level failure onto the taxonomy.
func classifyErr(err error) Category {
	if errors.Is(err, ErrOffline) {
		return CategoryOffline
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}
	var operr *net.OpError
	if errors.As(err, &operr) {
		return CategoryNetwork
	}
	return CategoryUnknown
}
