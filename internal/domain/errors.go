package domain

import (
	"errors"
	"fmt"
)

// ErrBusy is returned when a load or save is already in flight for the
// owning session. The caller can retry once the pending operation ends.
var ErrBusy = errors.New("another operation is in progress")

// ErrNoChanges is returned by save operations when the in-memory state
// matches the last persisted baseline.
var ErrNoChanges = errors.New("no changes to save")

// InvalidAddressError reports unparseable CIDR or IP address syntax.
type InvalidAddressError struct {
	Text   string // the offending input
	Reason string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Text, e.Reason)
}

// ValidationError rejects a form edit. Field names the offending form
// field so the caller can annotate it; the in-memory model is left
// unchanged whenever one is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NotFoundError reports a reference to a block, provider network, or
// file that does not exist.
type NotFoundError struct {
	Kind string // "network", "provider network", ...
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

// IOFailure wraps a filesystem read, write, move, or parse failure.
type IOFailure struct {
	Op   string // "read", "write", "move", "parse"
	Path string
	Err  error
}

func (e *IOFailure) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOFailure) Unwrap() error { return e.Err }
