package execution

import (
	"fmt"
	"strings"
	"time"

	"github.com/geisonfgf/execAI/internal/errors"
)

// State is the terminal state of one execution
type State int

const (
	StateSucceeded State = iota
	StateFailed
	StateTimedOut
	StateCancelled
)

// String returns the upper-case state name
func (s State) String() string {
	switch s {
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "SUCCEEDED":
		*s = StateSucceeded
	case "FAILED":
		*s = StateFailed
	case "TIMED_OUT":
		*s = StateTimedOut
	case "CANCELLED":
		*s = StateCancelled
	default:
		return fmt.Errorf("unknown execution state %q", text)
	}
	return nil
}

// Result represents a command execution result
type Result struct {
	Command         string        `json:"command"`
	State           State         `json:"state"`
	ExitCode        int           `json:"exit_code"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"`
}

// Succeeded reports whether the command exited zero
func (r *Result) Succeeded() bool {
	return r != nil && r.State == StateSucceeded
}

// Err converts a non-successful result into a taxonomy error
func (r *Result) Err() error {
	if r == nil || r.State == StateSucceeded {
		return nil
	}
	msg := r.Error
	if msg == "" {
		msg = strings.ToLower(r.State.String())
	}
	err := errors.Newf("%s: %s", r.Command, msg)
	switch r.State {
	case StateTimedOut:
		return errors.Mark(err, errors.ErrExecutionTimeout)
	case StateCancelled:
		return errors.Mark(err, errors.ErrExecutionCancelled)
	default:
		return errors.Mark(err, errors.ErrExecutionFailed)
	}
}

// Last returns the final result of a sequence, or nil for an empty one
func Last(results []*Result) *Result {
	if len(results) == 0 {
		return nil
	}
	return results[len(results)-1]
}
