package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/geisonfgf/execAI/internal/core/jobs"
)

// ActionFunc performs an operator action on a job and returns the updated job
type ActionFunc func(jobID string) (*jobs.Job, error)

// ReloadFunc returns the jobs to show
type ReloadFunc func() ([]*jobs.Job, error)

// Handlers wire the browser to the job store. Nil handlers disable the
// corresponding key.
type Handlers struct {
	Pause  ActionFunc
	Resume ActionFunc
	Cancel ActionFunc
	Reload ReloadFunc
}

// ActionResultMsg is sent when a pause, resume or cancel completes
type ActionResultMsg struct {
	Action string
	JobID  string
	Job    *jobs.Job
	Err    error
}

// JobsLoadedMsg is sent when the job list is reloaded
type JobsLoadedMsg struct {
	Jobs []*jobs.Job
	Err  error
}

// TickMsg triggers a periodic reload
type TickMsg struct{}

// Model is the interface for the TUI model
type Model interface {
	Init() tea.Cmd
	Update(msg tea.Msg) (tea.Model, tea.Cmd)
	View() string
}
