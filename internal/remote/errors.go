package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Category string

const (
	CategoryNetwork  Category = "network"
	CategoryServer   Category = "server"
	CategoryAuth     Category = "auth"
	CategoryNotFound Category = "not_found"
	CategoryProtocol Category = "protocol"
)

// Error is a categorized transaction failure.
type Error struct {
	Category   Category
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (HTTP %d): %v", e.Op, e.Category, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Category, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a later attempt may succeed without operator action.
func (e *Error) Retryable() bool {
	return e.Category == CategoryNetwork || e.Category == CategoryServer
}

// CategoryOf returns the category of a remote error, or "" for other errors.
func CategoryOf(err error) Category {
	var re *Error
	if errors.As(err, &re) {
		return re.Category
	}
	return ""
}

func IsRetryable(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Retryable()
}

func statusError(op string, resp *http.Response) *Error {
	e := &Error{Op: op, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		e.Category = CategoryAuth
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		e.Category = CategoryNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		e.Category = CategoryServer
	default:
		e.Category = CategoryProtocol
	}
	return e
}

func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Category: CategoryNetwork, Op: op, Err: err}
	}
	// Anything else from the client is a malformed request or response.
	return &Error{Category: CategoryProtocol, Op: op, Err: err}
}

func protocolError(op string, err error) *Error {
	return &Error{Category: CategoryProtocol, Op: op, Err: err}
}
