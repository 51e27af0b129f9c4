package jobs

import (
	"strings"
	"time"

	"github.com/geisonfgf/execAI/internal/ai"
	"github.com/geisonfgf/execAI/internal/core/execution"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/google/uuid"
)

// State represents the lifecycle state of a job
type State string

const (
	StatePending        State = "pending"         // Created, not yet validated/confirmed
	StateActive         State = "active"          // Eligible to run
	StateRunning        State = "running"         // Currently executing
	StatePaused         State = "paused"          // Excluded from due jobs until resumed
	StateCompleted      State = "completed"       // One-shot finished, or max runs reached
	StateFailedTerminal State = "failed_terminal" // Too many consecutive failures
	StateCancelled      State = "cancelled"       // Removed from future consideration
)

// AllStates lists every state in lifecycle order
var AllStates = []State{
	StatePending, StateActive, StateRunning, StatePaused,
	StateCompleted, StateFailedTerminal, StateCancelled,
}

var validTransitions = map[State][]State{
	StatePending: {StateActive, StatePaused, StateCancelled},
	StateActive:  {StateRunning, StatePaused, StateCancelled},
	StateRunning: {StateActive, StateCompleted, StateFailedTerminal, StatePaused, StateCancelled},
	StatePaused:  {StateActive, StateCancelled},
}

// CanTransition checks if a state transition is valid
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailedTerminal || s == StateCancelled
}

// ParseState parses a state name
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllStates {
		if st == known {
			return st, nil
		}
	}
	return "", errors.Newf("unknown job state %q", s)
}

// Job is the scheduling unit
type Job struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Command             ai.CommandRequest `json:"command"`
	Schedule            Schedule          `json:"schedule"`
	State               State             `json:"state"`
	NextRunAt           time.Time         `json:"next_run_at,omitempty"`
	LastRunAt           time.Time         `json:"last_run_at,omitempty"`
	LastResult          *execution.Result `json:"last_result,omitempty"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	RunCount            int               `json:"run_count"`
	MaxRuns             int               `json:"max_runs,omitempty"`
	Overdue             bool              `json:"overdue,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// NewJob creates a pending job whose first run is the schedule's next
// instant after now.
func NewJob(req ai.CommandRequest, schedule Schedule, now time.Time) (*Job, error) {
	if len(req.Commands) == 0 {
		return nil, errors.New("job needs at least one command")
	}
	next, ok, err := schedule.Next(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Newf("schedule %s never fires", schedule)
	}

	now = now.UTC()
	return &Job{
		ID:        uuid.New().String(),
		Name:      deriveName(req),
		Command:   req,
		Schedule:  schedule,
		State:     StatePending,
		NextRunAt: next,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ShortID returns the 8-character prefix shown in listings
func (j *Job) ShortID() string {
	if len(j.ID) <= 8 {
		return j.ID
	}
	return j.ID[:8]
}

func deriveName(req ai.CommandRequest) string {
	name := strings.TrimSpace(req.RawText)
	if name == "" {
		name = req.CommandLine()
	}
	name = strings.Join(strings.Fields(name), " ")
	if r := []rune(name); len(r) > 48 {
		name = string(r[:45]) + "..."
	}
	return name
}

// RunOutcome is what the scheduler persists when a run finishes
type RunOutcome struct {
	Result              *execution.Result
	FinishedAt          time.Time
	NextState           State
	NextRunAt           time.Time
	ConsecutiveFailures int
	RunCount            int
}

// AuditEvent is an entry in the audit trail
type AuditEvent struct {
	ID      int64     `json:"id"`
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	JobID   string    `json:"job_id,omitempty"`
	Command string    `json:"command,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Audit event kinds
const (
	AuditConfirmationBypassed = "confirmation_bypassed"
	AuditConfirmationDenied   = "confirmation_denied"
	AuditJobCreated           = "job_created"
	AuditJobPaused            = "job_paused"
	AuditJobResumed           = "job_resumed"
	AuditJobCancelled         = "job_cancelled"
	AuditJobRecovered         = "job_recovered"
)

// ListFilter narrows List results. Zero value lists every job.
type ListFilter struct {
	States []State
	Limit  int
}

// Stats summarises the store for `execai status`
type Stats struct {
	Total         int
	ByState       map[State]int
	NextExecution time.Time
	NextJobID     string
}
