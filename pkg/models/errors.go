package models

import "fmt"

// ErrorKind is the pipeline error taxonomy. Kinds below the orchestrator are
// recovered locally whenever a meaningful observation or decision can still
// be produced; only genuinely unrecoverable conditions surface as 5xx.
type ErrorKind string

const (
	ErrInvalidRequest   ErrorKind = "invalid_request"
	ErrLLMUnavailable   ErrorKind = "llm_unavailable"
	ErrSchemaInvalid    ErrorKind = "schema_invalid"
	ErrTimeout          ErrorKind = "timeout"
	ErrToolTimeout      ErrorKind = "tool_timeout"
	ErrToolFailed       ErrorKind = "tool_failed"
	ErrCircuitOpen      ErrorKind = "circuit_open"
	ErrPolicyDenied     ErrorKind = "policy_denied"
	ErrDeadlineExceeded ErrorKind = "deadline_exceeded"
	ErrInternalBug      ErrorKind = "internal_bug"
)

// StageError is the explicit failure result of one pipeline stage. Stages
// return it instead of raising; the orchestrator routes any stage error to
// the degraded path and logs its Kind.
type StageError struct {
	Stage string
	Kind  ErrorKind
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError builds a stage failure.
func NewStageError(stage string, kind ErrorKind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
