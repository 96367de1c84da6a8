package orchestrator

import "errors"

var (
	ErrAlreadyRunning  = errors.New("a run is already active")
	ErrMustPauseFirst  = errors.New("pause the run first")
	ErrIndexOutOfRange = errors.New("segment index out of range")
	ErrNoRun           = errors.New("no run to operate on")
	ErrNoCheckpoint    = errors.New("no saved checkpoint")
	ErrNoSegments      = errors.New("run needs at least one segment")
)
