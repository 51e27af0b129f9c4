package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/geisonfgf/execAI/internal/core/jobs"
)

// model is the Bubble Tea model for the schedule browser
type model struct {
	jobs        []*jobs.Job
	cursor      int
	keys        keyMap
	handlers    Handlers
	refresh     time.Duration
	showingHelp bool
	showDetails bool
	status      string
	statusErr   bool
	pendingG    bool // Tracks if 'g' was pressed for 'gg' command
	width       int
	height      int
}

// NewModel creates a schedule browser over a fixed job list
func NewModel(list []*jobs.Job) Model {
	return NewModelWithOptions(list, Handlers{}, 0)
}

// NewModelWithOptions creates a schedule browser. With refresh > 0 and a
// Reload handler the list is reloaded periodically, so state changes made by
// the daemon show up.
func NewModelWithOptions(list []*jobs.Job, handlers Handlers, refresh time.Duration) Model {
	return model{
		jobs:     list,
		keys:     defaultKeyMap(),
		handlers: handlers,
		refresh:  refresh,
	}
}

// Init initializes the model
func (m model) Init() tea.Cmd {
	return tea.Batch(
		tea.WindowSize(),
		m.tick(),
	)
}

func (m model) tick() tea.Cmd {
	if m.refresh <= 0 || m.handlers.Reload == nil {
		return nil
	}
	return tea.Tick(m.refresh, func(time.Time) tea.Msg {
		return TickMsg{}
	})
}

func (m model) reload() tea.Cmd {
	if m.handlers.Reload == nil {
		return nil
	}
	reload := m.handlers.Reload
	return func() tea.Msg {
		list, err := reload()
		return JobsLoadedMsg{Jobs: list, Err: err}
	}
}

// Update handles messages
func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case ActionResultMsg:
		if msg.Err != nil {
			m.setStatus(true, "%s failed: %v", msg.Action, msg.Err)
			return m, nil
		}
		if msg.Job != nil {
			for i, job := range m.jobs {
				if job.ID == msg.Job.ID {
					m.jobs[i] = msg.Job
					break
				}
			}
			m.setStatus(false, "job %s is now %s", msg.Job.ShortID(), msg.Job.State)
		}
		return m, nil

	case JobsLoadedMsg:
		if msg.Err != nil {
			m.setStatus(true, "reload failed: %v", msg.Err)
			return m, nil
		}
		m.jobs = msg.Jobs
		if m.cursor >= len(m.jobs) {
			m.cursor = max(len(m.jobs)-1, 0)
		}
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.reload(), m.tick())
	}

	return m, nil
}

func (m model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Handle quit
	if m.keys.Quit.matches(msg) || msg.String() == "ctrl+c" || msg.Type == tea.KeyEsc {
		return m, tea.Quit
	}

	switch {
	case m.keys.Help.matches(msg):
		m.showingHelp = !m.showingHelp
		return m, nil
	case m.keys.Details.matches(msg):
		m.showDetails = !m.showDetails
		return m, nil
	case m.keys.Refresh.matches(msg):
		return m, m.reload()
	}

	// Handle navigation
	switch msg.String() {
	case "k", "up":
		m.pendingG = false
		if m.cursor > 0 {
			m.cursor--
		}
	case "j", "down":
		m.pendingG = false
		if m.cursor < len(m.jobs)-1 {
			m.cursor++
		}
	case "g":
		// Handle vim-style gg to go to top
		if m.pendingG {
			m.cursor = 0
			m.pendingG = false
		} else {
			m.pendingG = true
		}
	case "G":
		m.pendingG = false
		if len(m.jobs) > 0 {
			m.cursor = len(m.jobs) - 1
		}
	default:
		m.pendingG = false
	}

	// Handle actions
	job := m.selected()
	if job == nil {
		return m, nil
	}
	switch {
	case m.keys.Pause.matches(msg):
		return m, act("pause", job.ID, m.handlers.Pause)
	case m.keys.Resume.matches(msg):
		return m, act("resume", job.ID, m.handlers.Resume)
	case m.keys.Cancel.matches(msg):
		return m, act("cancel", job.ID, m.handlers.Cancel)
	}

	return m, nil
}

func act(action, jobID string, fn ActionFunc) tea.Cmd {
	if fn == nil {
		return nil
	}
	return func() tea.Msg {
		job, err := fn(jobID)
		return ActionResultMsg{Action: action, JobID: jobID, Job: job, Err: err}
	}
}

func (m model) selected() *jobs.Job {
	if m.cursor < 0 || m.cursor >= len(m.jobs) {
		return nil
	}
	return m.jobs[m.cursor]
}

func (m *model) setStatus(isErr bool, format string, args ...any) {
	m.status = fmt.Sprintf(format, args...)
	m.statusErr = isErr
}

// View renders the UI
func (m model) View() string {
	if m.showingHelp {
		return m.renderHelp()
	}
	if m.showDetails {
		if job := m.selected(); job != nil {
			return m.renderDetails(job)
		}
	}
	return m.renderList()
}
