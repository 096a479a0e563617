package orchestrator

import (
	"errors"

	"github.com/kiranshivaraju/scanpipe/internal/pipeline"
)

// Sentinel errors returned by the orchestrator. Handlers map them to HTTP
// status codes with errors.Is.
var (
	ErrPreconditionNotMet     = pipeline.ErrPreconditionNotMet
	ErrAlreadyInProgress      = errors.New("stage already in progress")
	ErrInitiationFailure      = errors.New("processing service rejected the job")
	ErrTransientPoll          = errors.New("transient poll failure")
	ErrMaterializationFailure = errors.New("result materialization failed")
	ErrNotCancellable         = errors.New("job is not cancellable")
	ErrInvalidParams          = errors.New("invalid stage parameters")
	ErrJobNotCompleted        = errors.New("job is not completed")
)
