package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/geisonfgf/execAI/internal/core/jobs"
	"github.com/geisonfgf/execAI/internal/core/tui"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// liveStates are the states listed without --all
var liveStates = []jobs.State{jobs.StatePending, jobs.StateActive, jobs.StateRunning, jobs.StatePaused}

// browserRefresh is how often the interactive browser reloads the list
const browserRefresh = 2 * time.Second

// getSchedulesCommand returns the schedules command
func getSchedulesCommand(a *app) *cobra.Command {
	var all, interactive bool
	cmd := &cobra.Command{
		Use:     "schedules",
		Aliases: []string{"jobs", "ls"},
		Short:   "List scheduled jobs",
		Long: `List scheduled jobs. Finished and cancelled jobs are hidden unless --all is given.

With --interactive, open a browser where p pauses, r resumes and c cancels
the selected job.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := jobs.ListFilter{States: liveStates}
			if all {
				filter = jobs.ListFilter{}
			}
			list, err := store.List(ctx, filter)
			if err != nil {
				return err
			}

			if interactive {
				return browse(ctx, store, filter, list, cmd.InOrStdin(), cmd.OutOrStdout())
			}
			printSchedules(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include completed, failed and cancelled jobs")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "open the interactive schedule browser")
	return cmd
}

func printSchedules(w io.Writer, list []*jobs.Job) {
	if len(list) == 0 {
		pterm.Info.WithWriter(w).Println("No scheduled jobs")
		return
	}

	data := pterm.TableData{{"ID", "STATE", "NEXT RUN", "SCHEDULE", "RUNS", "LAST", "NAME"}}
	for _, job := range list {
		data = append(data, []string{
			job.ShortID(),
			stateLabel(job),
			nextRun(job),
			job.Schedule.String(),
			runs(job),
			lastState(job),
			job.Name,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(w).Render()
}

func browse(ctx context.Context, store jobs.Store, filter jobs.ListFilter, list []*jobs.Job, in io.Reader, out io.Writer) error {
	action := func(fn func(context.Context, jobs.Store, string, time.Time) (*jobs.Job, error)) tui.ActionFunc {
		return func(id string) (*jobs.Job, error) {
			return fn(ctx, store, id, time.Now())
		}
	}
	handlers := tui.Handlers{
		Pause:  action(jobs.Pause),
		Resume: action(jobs.Resume),
		Cancel: action(jobs.Cancel),
		Reload: func() ([]*jobs.Job, error) { return store.List(ctx, filter) },
	}

	p := tea.NewProgram(
		tui.NewModelWithOptions(list, handlers, browserRefresh),
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
		tea.WithAltScreen(),
	)
	_, err := p.Run()
	return err
}

func stateLabel(job *jobs.Job) string {
	label := string(job.State)
	if job.Overdue {
		label += " (overdue)"
	}
	return label
}

func nextRun(job *jobs.Job) string {
	if job.NextRunAt.IsZero() || job.State.IsTerminal() {
		return "-"
	}
	return job.NextRunAt.Local().Format("2006-01-02 15:04:05")
}

func runs(job *jobs.Job) string {
	if job.MaxRuns > 0 {
		return fmt.Sprintf("%d/%d", job.RunCount, job.MaxRuns)
	}
	return fmt.Sprintf("%d", job.RunCount)
}

// lastErrorWidth caps the error text shown in the LAST column
const lastErrorWidth = 40

// lastState summarises the latest run. Failures carry the exit code and the
// first line of the error so a broken job is visible without --verbose.
func lastState(job *jobs.Job) string {
	res := job.LastResult
	if res == nil {
		return "-"
	}
	label := res.State.String()
	if res.Succeeded() {
		return label
	}
	if res.ExitCode != 0 {
		label += fmt.Sprintf(" (exit %d)", res.ExitCode)
	}
	msg, _, _ := strings.Cut(strings.TrimSpace(res.Error), "\n")
	if msg == "" {
		return label
	}
	if r := []rune(msg); len(r) > lastErrorWidth {
		msg = string(r[:lastErrorWidth-3]) + "..."
	}
	return label + ": " + msg
}
