// Package errors provides error handling for execai.
//
// It re-exports github.com/cockroachdb/errors and defines the error taxonomy
// shared by the pipeline, the job store and the scheduler. Taxonomy errors are
// attached with Mark so the human-readable message stays intact:
//
//	err := errors.Mark(errors.Newf("executable %q not in allow-list", exe), errors.ErrValidationRejected)
//	errors.Is(err, errors.ErrValidationRejected) // true
//	err.Error()                                  // executable "rm" not in allow-list
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// Taxonomy sentinels. Check them with Is; attach them with Mark.
var (
	// ErrResolution: the intent resolver failed or returned nothing usable.
	ErrResolution = New("intent resolution failed")

	// ErrValidationRejected: the validator disallowed the command.
	ErrValidationRejected = New("command rejected")

	// ErrConfirmationDenied: the operator declined or the prompt timed out.
	ErrConfirmationDenied = New("confirmation denied")

	// ErrExecutionTimeout: the command exceeded its timeout and was killed.
	ErrExecutionTimeout = New("execution timed out")

	// ErrExecutionFailed: the command exited non-zero or could not start.
	ErrExecutionFailed = New("execution failed")

	// ErrExecutionCancelled: the run was cancelled by the operator.
	ErrExecutionCancelled = New("execution cancelled")

	// ErrSchedulingConflict: a compare-and-set transition lost a race.
	ErrSchedulingConflict = New("scheduling conflict")

	// ErrStoreUnavailable: the job store cannot be reached. Fatal for the scheduler loop.
	ErrStoreUnavailable = New("job store unavailable")

	// ErrNotFound: the requested job does not exist.
	ErrNotFound = New("not found")

	// ErrUsage: bad arguments or flags on the command line.
	ErrUsage = New("usage error")
)

// Process exit codes used by the CLI.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Usagef creates a usage error with a formatted message.
func Usagef(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrUsage)
}

// NotFoundf creates a not-found error with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// StoreUnavailable marks err as a store failure, keeping its message.
func StoreUnavailable(err error, msg string) error {
	if err == nil {
		return nil
	}
	return Mark(Wrap(err, msg), ErrStoreUnavailable)
}

// IsStoreUnavailable reports whether err is or wraps ErrStoreUnavailable.
func IsStoreUnavailable(err error) bool {
	return err != nil && Is(err, ErrStoreUnavailable)
}

// IsConflict reports whether err is or wraps ErrSchedulingConflict.
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrSchedulingConflict)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// ExitCode maps an error to the CLI exit code: 0 for nil, 2 for usage
// errors and 1 for everything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case Is(err, ErrUsage):
		return ExitUsage
	default:
		return ExitFailure
	}
}
