package client

import (
	"errors"
	"syscall"
)

var (
	// ErrNotRunning is returned when no run is listening on the socket.
	ErrNotRunning = errors.New("no run in progress")

	// ErrPermissionDenied is returned when the socket is not accessible to
	// the current user.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when the monitor answers 404.
	ErrNotFound = errors.New("404 not found")

	// ErrConflict is returned when the request does not apply to the run's
	// current phase, such as aborting a run that is already shutting down.
	ErrConflict = errors.New("not possible in the current phase")
)

// isRefused reports a socket file left behind by a run that exited.
func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
