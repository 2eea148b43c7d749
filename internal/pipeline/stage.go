package pipeline

import (
	"fmt"
)

// Stage names a step of the per-query state machine.
type Stage string

const (
	StageValidate  Stage = "VALIDATE_QUERY"
	StageLoad      Stage = "LOAD_OR_REUSE_CHUNKS"
	StageEmbed     Stage = "EMBED_OR_REUSE"
	StageExpand    Stage = "EXPAND_QUERY"
	StageRetrieve  Stage = "RETRIEVE"
	StageScore     Stage = "SCORE"
	StageFilter    Stage = "FILTER"
	StageSynthesis Stage = "SYNTHESIZE"
	StageDone      Stage = "DONE"
	StageFailed    Stage = "FAILED"
)

// StageError reports the stage a query failed in. errors.Is sees through it to the error kind.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
