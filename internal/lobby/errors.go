package lobby

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a join by code matches no lobby.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSuperseded resolves an operation overtaken by a newer one.
	ErrSuperseded = errors.New("operation superseded")
	// ErrSanctioned is returned for every operation after a failed sanctions check.
	ErrSanctioned = errors.New("peer is sanctioned")
	// ErrNoHostAddress is wrapped in a TransportError when a lobby does not
	// publish where its host listens.
	ErrNoHostAddress = errors.New("lobby has no host address")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("lobby manager closed")
)

// DirectoryError reports a failed directory call.
type DirectoryError struct {
	Op  string
	Err error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory %s: %v", e.Op, e.Err)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

// TransportError reports a failed host start or connect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
