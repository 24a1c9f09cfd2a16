package services

import (
	"errors"
	"fmt"

	"github.com/klamai/proposal-dispatch/internal/assistant"
)

const (
	PhaseInvalidRequest     = "invalid_request"
	PhaseNotFound           = "not_found"
	PhaseCaseLookup         = "case_lookup_error"
	PhaseForbidden          = "forbidden"
	PhaseMissingPhone       = "missing_phone"
	PhaseTokenPersist       = "token_persist_error"
	PhaseValidation         = "post_processing_validation"
	PhaseProposalPersist    = "proposal_persist_error"
	PhaseWhatsAppSend       = "whatsapp_send_failed"
	PhaseDispatchInProgress = "dispatch_in_progress"
	PhaseInternal           = "internal_error"
)

var (
	ErrCaseNotFound       = errors.New("case not found")
	ErrForbidden          = errors.New("caller may not act on this case")
	ErrMissingPhone       = errors.New("case has no phone and no override was given")
	ErrEmptyMessage       = errors.New("whatsapp message is empty after normalization")
	ErrDispatchInProgress = errors.New("another dispatch for this case is running")
)

// DispatchError is every failure Dispatch returns. Phase names the step that
// aborted the dispatch; for an assistant run that ended in a non-completed
// status it is that status.
type DispatchError struct {
	Phase   string
	Err     error
	Details string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Code is the short error identifier reported to callers.
func (e *DispatchError) Code() string {
	if errors.Is(e.Err, assistant.ErrRunNotCompleted) {
		return assistant.ErrRunNotCompleted.Error()
	}
	return e.Phase
}

func newDispatchError(phase string, err error) *DispatchError {
	return &DispatchError{Phase: phase, Err: err, Details: err.Error()}
}

// fromAssistant keeps the phase of a tagged assistant failure.
func fromAssistant(err error) *DispatchError {
	var runErr *assistant.RunError
	if errors.As(err, &runErr) {
		return &DispatchError{Phase: runErr.Phase, Err: err, Details: runErr.Err.Error()}
	}
	return newDispatchError(assistant.PhaseRunPoll, err)
}
