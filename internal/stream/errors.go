package stream

import "fmt"

// FormatError reports a malformed stream file. Offset is the byte position
// inside the file where decoding stopped.
type FormatError struct {
	Path   string
	Offset int64
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("format error in %s at byte %d: %s", e.Path, e.Offset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }
