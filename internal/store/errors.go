package store

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write loses to a
	// concurrent writer.
	ErrConflict = errors.New("version conflict")

	// ErrTimeout marks a backend operation that did not complete in time.
	ErrTimeout = errors.New("store timeout")
)

// IsTimeout reports whether err is a transient timeout worth retrying.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}
