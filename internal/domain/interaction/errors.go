package interaction

import "errors"

// ErrInteractionCheckFailed marks a rule-store lookup that could not
// complete. A failed check must never be reported as "no interactions".
var ErrInteractionCheckFailed = errors.New("unable to verify drug interactions")

// ErrResolutionSkipped signals that fewer than two compositions were
// resolved and no lookup was made. It is informational, not a failure.
var ErrResolutionSkipped = errors.New("fewer than two compositions, interaction check skipped")

// ErrInvalidTransition is returned for gate transitions not allowed from the
// current state.
var ErrInvalidTransition = errors.New("invalid override gate transition")

// ValidationCode identifies a local submission validation failure
type ValidationCode string

const (
	CodeEmptyOverrideReason ValidationCode = "empty_override_reason"
	CodeSubmissionBlocked   ValidationCode = "submission_blocked"
	CodeNoMedications       ValidationCode = "no_medications"
	CodeCheckPending        ValidationCode = "check_pending"
	CodeCheckFailed         ValidationCode = "check_failed"
)

// ValidationError is raised before anything reaches persistence
type ValidationError struct {
	Code    ValidationCode
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Is matches any ValidationError with the same code.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code
}

var (
	ErrEmptyOverrideReason = &ValidationError{
		Code:    CodeEmptyOverrideReason,
		Message: "override justification must not be empty",
	}
	ErrSubmissionBlocked = &ValidationError{
		Code:    CodeSubmissionBlocked,
		Message: "contraindicated interactions require an override justification",
	}
	ErrNoMedications = &ValidationError{
		Code:    CodeNoMedications,
		Message: "prescription has no medications",
	}
	ErrCheckPending = &ValidationError{
		Code:    CodeCheckPending,
		Message: "interaction check still in progress",
	}
	ErrCheckUnverified = &ValidationError{
		Code:    CodeCheckFailed,
		Message: "drug interactions could not be verified",
	}
)
