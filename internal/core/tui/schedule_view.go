package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/geisonfgf/execAI/internal/core/jobs"
)

const timeLayout = "2006-01-02 15:04:05"

func (m model) renderList() string {
	var s string

	// Header
	s += titleStyle.Render(" execai schedules ") + "\n\n"

	var content string
	if len(m.jobs) == 0 {
		content = subtleStyle.Render("No scheduled jobs") + "\n"
	} else {
		content += headerStyle.Render(fmt.Sprintf("  %-8s  %-15s  %-19s  %-22s  %s", "ID", "STATE", "NEXT RUN", "SCHEDULE", "NAME")) + "\n"
		for i, job := range m.jobs {
			cursor := " "
			if i == m.cursor {
				cursor = ">"
			}
			line := fmt.Sprintf("%s %-8s  %s  %-19s  %-22s  %s",
				cursor,
				job.ShortID(),
				stateStyle(job.State).Render(fmt.Sprintf("%-15s", job.State)),
				formatTime(job.NextRunAt, job.State),
				truncate(job.Schedule.String(), 22),
				truncate(job.Name, 40),
			)
			if job.Overdue {
				line += warningStyle.Render("  overdue")
			}
			if i == m.cursor {
				line = selectedStyle.Render(line)
			}
			content += line + "\n"
		}
	}

	// Get footer
	footer := m.renderFooter()

	// Pad so the footer sits at the bottom of the window
	if m.height > 0 {
		if padding := m.height - 2 - countLines(content) - countLines(footer); padding > 0 {
			content += strings.Repeat("\n", padding)
		}
	}

	return s + content + footer
}

func (m model) renderDetails(job *jobs.Job) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(" job "+job.ShortID()+" ") + "\n\n")

	field := func(name, value string) {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-13s", name)), value)
	}
	field("ID", job.ID)
	field("Name", job.Name)
	field("Command", job.Command.CommandLine())
	field("Risk", job.Command.Risk.String())
	field("Schedule", job.Schedule.String())
	field("State", stateStyle(job.State).Render(string(job.State)))
	field("Next run", formatTime(job.NextRunAt, job.State))
	field("Last run", formatTime(job.LastRunAt, ""))
	runs := fmt.Sprintf("%d", job.RunCount)
	if job.MaxRuns > 0 {
		runs += fmt.Sprintf(" of %d", job.MaxRuns)
	}
	field("Runs", runs)
	field("Failures", fmt.Sprintf("%d consecutive", job.ConsecutiveFailures))

	if res := job.LastResult; res != nil {
		b.WriteString("\n" + headerStyle.Render("Last result") + "\n")
		field("State", res.State.String())
		field("Exit code", fmt.Sprintf("%d", res.ExitCode))
		field("Duration", res.Duration.Round(time.Millisecond).String())
		if res.Error != "" {
			field("Error", errorStyle.Render(res.Error))
		}
		if out := strings.TrimSpace(res.Stdout); out != "" {
			b.WriteString(subtleStyle.Render(tail(out, 10)) + "\n")
		}
		if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
			b.WriteString(errorStyle.Render(tail(errOut, 5)) + "\n")
		}
	}

	b.WriteString(m.renderFooter())
	return b.String()
}

// countLines counts the number of lines in a string
func countLines(s string) int {
	if s == "" {
		return 0
	}
	count := strings.Count(s, "\n")
	// If string doesn't end with newline, count the last line
	if s[len(s)-1] != '\n' {
		count++
	}
	return count
}

func (m model) renderHelp() string {
	return helpStyle.Render("\n"+m.keys.helpView().String()+"\npress ? to go back\n") + "\n"
}

func (m model) renderFooter() string {
	var status string
	if m.status != "" {
		style := successStyle
		if m.statusErr {
			style = errorStyle
		}
		status = "\n" + style.Render(m.status)
	}

	// Style the help as a status bar with border
	return status + "\n" + statusBarStyle.Render(m.keys.helpView().View()) + "\n"
}

func formatTime(t time.Time, state jobs.State) string {
	if t.IsZero() || state.IsTerminal() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func tail(s string, lines int) string {
	parts := strings.Split(s, "\n")
	if len(parts) <= lines {
		return s
	}
	return fmt.Sprintf("... (%d more lines)\n", len(parts)-lines) + strings.Join(parts[len(parts)-lines:], "\n")
}

func stateStyle(state jobs.State) lipgloss.Style {
	switch state {
	case jobs.StateActive:
		return successStyle
	case jobs.StateRunning:
		return runningStyle
	case jobs.StatePaused, jobs.StatePending:
		return warningStyle
	case jobs.StateFailedTerminal:
		return errorStyle
	default:
		return subtleStyle
	}
}

// Styles
var (
	titleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	headerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	subtleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	runningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	warningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	selectedStyle  = lipgloss.NewStyle().Bold(true)
	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("235")).
			Padding(0, 1).
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("241")).
			MarginTop(1)
)
