package replay

import "fmt"

// ReplayError aborts a replay. Offset is the virtual disk offset of the
// entry being written; Path is its source file when one was involved.
type ReplayError struct {
	Offset uint64
	Path   string
	Err    error
}

func (e *ReplayError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("replay failed at offset %d: %v", e.Offset, e.Err)
	}
	return fmt.Sprintf("replay failed at offset %d from %s: %v", e.Offset, e.Path, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }
