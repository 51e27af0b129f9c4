package jobs

import (
	"context"
	"time"

	"github.com/geisonfgf/execAI/internal/errors"
)

// maxControlAttempts bounds the read-then-CAS retries of operator actions
// racing the scheduler.
const maxControlAttempts = 3

// Pause excludes a job from scheduling until it is resumed. A running job
// is moved to PAUSED; the scheduler that owns the run cancels it.
func Pause(ctx context.Context, store Store, id string, now time.Time) (*Job, error) {
	return control(ctx, store, id, StatePaused, AuditJobPaused, now)
}

// Resume re-activates a paused job from its next firing after now.
// A one-shot job whose instant has passed becomes due immediately.
func Resume(ctx context.Context, store Store, id string, now time.Time) (*Job, error) {
	return control(ctx, store, id, StateActive, AuditJobResumed, now)
}

// Cancel removes a job from future consideration
func Cancel(ctx context.Context, store Store, id string, now time.Time) (*Job, error) {
	return control(ctx, store, id, StateCancelled, AuditJobCancelled, now)
}

func control(ctx context.Context, store Store, id string, to State, kind string, now time.Time) (*Job, error) {
	for attempt := 0; ; attempt++ {
		job, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.State == to {
			return nil, errors.WithHint(
				errors.Newf("job %s is already %s", job.ShortID(), to),
				"run `execai schedules --all` to see job states")
		}
		if !CanTransition(job.State, to) {
			return nil, errors.WithHintf(
				errors.Newf("cannot move job %s from %s to %s", job.ShortID(), job.State, to),
				"jobs in state %s accept: %v", job.State, validTransitions[job.State])
		}

		var next time.Time
		if to == StateActive {
			next, err = resumeAt(job, now)
			if err != nil {
				return nil, err
			}
		}

		err = store.Transition(ctx, job.ID, job.State, to, next)
		if errors.IsConflict(err) && attempt+1 < maxControlAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := store.RecordAudit(ctx, AuditEvent{
			At:      now,
			Kind:    kind,
			JobID:   job.ID,
			Command: job.Command.CommandLine(),
			Detail:  string(job.State) + " -> " + string(to),
		}); err != nil {
			return nil, err
		}
		return store.Get(ctx, job.ID)
	}
}

func resumeAt(job *Job, now time.Time) (time.Time, error) {
	next, ok, err := job.Schedule.Next(now)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, errors.Newf("schedule of job %s never fires again", job.ShortID())
	}
	if next.Before(now) {
		next = now.UTC()
	}
	return next, nil
}
