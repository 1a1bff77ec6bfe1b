package attach

import (
	"errors"
	"strings"
	"syscall"
)

// Class is the outcome of one attach attempt.
type Class int

const (
	AttemptOK Class = iota
	AttemptNotReady
	AttemptFatal
)

func (c Class) String() string {
	switch c {
	case AttemptOK:
		return "ok"
	case AttemptNotReady:
		return "not-ready"
	default:
		return "fatal"
	}
}

// refusedIndicator is the text the attach helper prints when nothing is
// listening on the export endpoint yet.
const refusedIndicator = "Connection refused"

// ClassifyAttachError decides whether a failed attempt may be retried. A
// structured ECONNREFUSED wins; otherwise the helper's error text is
// scanned for the connection-refused indicator.
func ClassifyAttachError(err error) Class {
	if err == nil {
		return AttemptOK
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, ErrNotReady) {
		return AttemptNotReady
	}
	if strings.Contains(err.Error(), refusedIndicator) {
		return AttemptNotReady
	}
	return AttemptFatal
}
