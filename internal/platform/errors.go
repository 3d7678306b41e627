package platform

import "fmt"

// FetchError wraps a failed bulk read. Callers degrade to an empty result
// and surface a non-blocking notice rather than failing the screen.
type FetchError struct {
	Op  string // what was being fetched, e.g. "history", "room"
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("platform: fetch %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// WriteError wraps a failed durable write. The caller's draft must be
// preserved so the user can retry.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("platform: write %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
