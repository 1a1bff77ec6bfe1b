package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	StageStarted Type = iota + 1
	StageCompleted
	ReplayStarted
	EntryReplayed
	EntrySkipped
	EntryFailed
	ReplayComplete
	VerifyStarted
	VerifyOK
	VerifyFailed
)

var typeNames = [...]string{
	StageStarted:   "StageStarted",
	StageCompleted: "StageCompleted",
	ReplayStarted:  "ReplayStarted",
	EntryReplayed:  "EntryReplayed",
	EntrySkipped:   "EntrySkipped",
	EntryFailed:    "EntryFailed",
	ReplayComplete: "ReplayComplete",
	VerifyStarted:  "VerifyStarted",
	VerifyOK:       "VerifyOK",
	VerifyFailed:   "VerifyFailed",
}

func (t Type) String() string {
	if int(t) > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the pipeline.
type Event struct {
	Type      Type
	Timestamp time.Time
	Stage     string // pipeline stage (StageStarted, StageCompleted)
	Path      string // source file of the entry
	Offset    uint64 // virtual disk offset of the entry
	Size      int64  // entry length
	Total     int64  // entries planned (ReplayStarted)
	TotalSize int64  // bytes planned (ReplayStarted)
	Method    string // how a zero entry was written
	Error     error
}

// Emit sends ev on ch with a timestamp. A nil channel drops the event.
func Emit(ch chan<- Event, ev Event) {
	if ch == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ch <- ev
}
