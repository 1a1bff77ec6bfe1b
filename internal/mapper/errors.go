package mapper

import (
	"fmt"

	"github.com/bamsammich/chainmap/internal/lifecycle"
)

// Stage names a step of the mapping pipeline.
type Stage string

const (
	StagePreflight    Stage = "preflight"
	StageResolve      Stage = "resolve"
	StageRoutingTable Stage = "routing-table"
	StageExport       Stage = "export"
	StageAttach       Stage = "attach"
	StageReplay       Stage = "replay"
	StageServe        Stage = "serve"
	StageTeardown     Stage = "teardown"
)

// ErrInterrupted is wrapped by the error Run returns when its context was
// cancelled.
var ErrInterrupted = lifecycle.ErrInterrupted

// StageError wraps a pipeline failure with the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }
