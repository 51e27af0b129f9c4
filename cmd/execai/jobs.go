package main

import (
	"context"
	"time"

	"github.com/geisonfgf/execAI/internal/core/jobs"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type controlFunc func(ctx context.Context, store jobs.Store, id string, now time.Time) (*jobs.Job, error)

// getPauseCommand returns the pause command
func getPauseCommand(a *app) *cobra.Command {
	return controlCommand(a, "pause", "Pause a job; a running execution is stopped by the daemon", jobs.Pause)
}

// getResumeCommand returns the resume command
func getResumeCommand(a *app) *cobra.Command {
	return controlCommand(a, "resume", "Resume a paused job from its next firing", jobs.Resume)
}

// getCancelCommand returns the cancel command
func getCancelCommand(a *app) *cobra.Command {
	return controlCommand(a, "cancel", "Cancel a job permanently", jobs.Cancel)
}

func controlCommand(a *app, name, short string, fn controlFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <job-id>",
		Short: short,
		Long: short + `.

The id may be shortened to any unique prefix, such as the 8 characters
shown by 'execai schedules'.`,
		Args: usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			job, err := fn(ctx, store, args[0], time.Now())
			if err != nil {
				return err
			}

			a.logger.Info().Str("job", job.ID).Str("state", string(job.State)).Msg(name)
			pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("Job %s is now %s", job.ShortID(), job.State)
			if job.State == jobs.StateActive {
				pterm.Info.WithWriter(cmd.OutOrStdout()).Printfln("Next run: %s", nextRun(job))
			}
			return nil
		},
	}
}
