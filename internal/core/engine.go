package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/geisonfgf/execAI/internal/ai"
	"github.com/geisonfgf/execAI/internal/core/execution"
	"github.com/geisonfgf/execAI/internal/core/jobs"
	"github.com/geisonfgf/execAI/internal/core/security"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/geisonfgf/execAI/internal/logging"
	"github.com/geisonfgf/execAI/internal/terminal"
	"github.com/rs/zerolog"
)

// Runner executes a single command
type Runner interface {
	Execute(ctx context.Context, command string, timeout time.Duration) *execution.Result
}

// Confirmer asks the operator before a command that needs confirmation runs
type Confirmer interface {
	Confirm(ctx context.Context, command string, verdict security.Verdict, force bool) (terminal.Decision, error)
}

// Config holds the limits the engine applies to every request
type Config struct {
	ResolveTimeout  time.Duration
	CommandTimeout  time.Duration
	DefaultTimezone string
}

// Options are the per-request switches of `execai run`
type Options struct {
	Force    bool
	DryRun   bool
	Schedule bool
	Cron     string
	At       string
	Timezone string
	MaxRuns  int

	// OnPlan, when set, is called once the commands are validated
	OnPlan func(*Outcome)
	// OnResult, when set, is called after each command finishes
	OnResult func(*execution.Result)
}

// scheduled reports whether the request goes to the job store
func (o Options) scheduled(res *ai.Resolution) bool {
	return o.Schedule || o.Cron != "" || o.At != "" || (res != nil && !res.Schedule.IsZero())
}

// Outcome is everything the engine decided and did for one request
type Outcome struct {
	Request  ai.CommandRequest
	Verdicts []security.Verdict
	Verdict  security.Verdict
	Results  []*execution.Result
	Skipped  []string
	Job      *jobs.Job
	DryRun   bool
}

// Engine runs the pipeline: resolve, validate, confirm, then execute now or
// hand the request to the job store.
type Engine struct {
	resolver  ai.Resolver
	validator *security.Validator
	runner    Runner
	gate      Confirmer
	store     jobs.Store
	cfg       Config
	logger    zerolog.Logger
	clock     func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithStore enables the scheduled path
func WithStore(store jobs.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithLogger sets the engine's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logging.Component(logger, "engine") }
}

// WithClock overrides the engine's clock
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// NewEngine creates a new engine
func NewEngine(resolver ai.Resolver, validator *security.Validator, runner Runner, gate Confirmer, cfg Config, opts ...Option) *Engine {
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	e := &Engine{
		resolver:  resolver,
		validator: validator,
		runner:    runner,
		gate:      gate,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process handles a request from text to executed commands or a stored job.
// The returned Outcome is populated as far as the pipeline got, also on error.
func (e *Engine) Process(ctx context.Context, text string, opts Options) (*Outcome, error) {
	if opts.MaxRuns < 0 {
		return nil, errors.Usagef("--max-runs must not be negative, got %d", opts.MaxRuns)
	}

	res, err := e.resolve(ctx, text, opts)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Request: ai.NewCommandRequest(text, res, e.clock()),
		DryRun:  opts.DryRun,
	}
	if len(out.Request.Commands) == 0 {
		return out, errors.WithHint(
			errors.Mark(errors.New("resolver returned no commands"), errors.ErrResolution),
			"rephrase the request, or pass the command itself with --raw")
	}

	for _, cmd := range out.Request.Commands {
		out.Verdicts = append(out.Verdicts, e.validator.Validate(cmd).Escalate(out.Request.Risk))
	}
	out.Verdict = combine(out.Verdicts)

	e.logger.Info().
		Strs("commands", out.Request.Commands).
		Str("risk", out.Verdict.Risk.String()).
		Bool("allowed", out.Verdict.Allowed).
		Bool("confirm", out.Verdict.RequiresConfirmation).
		Msg("request resolved")

	if opts.OnPlan != nil {
		opts.OnPlan(out)
	}

	for i, v := range out.Verdicts {
		if !v.Allowed {
			return out, errors.WithHint(
				errors.Mark(errors.Newf("%s: %s", out.Request.Commands[i], v.Reason), errors.ErrValidationRejected),
				"add the program to security.allowed_commands, or set security.safe_mode=false to confirm it instead")
		}
	}

	if opts.scheduled(res) {
		return out, e.schedule(ctx, out, res, opts)
	}
	if opts.DryRun {
		return out, nil
	}
	return out, e.execute(ctx, out, opts)
}

func (e *Engine) resolve(ctx context.Context, text string, opts Options) (*ai.Resolution, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.Usagef("nothing to do: empty request")
	}

	rctx := ctx
	if e.cfg.ResolveTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, e.cfg.ResolveTimeout)
		defer cancel()
	}

	tz := opts.Timezone
	if tz == "" {
		tz = e.cfg.DefaultTimezone
	}
	res, err := e.resolver.Resolve(rctx, ai.ResolveRequest{
		Text:      text,
		AllowList: e.validator.Policy().AllowedCommands,
		Timezone:  tz,
		Now:       e.clock(),
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "resolve request"), errors.ErrResolution)
	}
	if res == nil {
		return nil, errors.Mark(errors.New("resolver returned nothing"), errors.ErrResolution)
	}
	return res, nil
}

// execute runs the commands in order, asking for confirmation where the
// verdict requires it. Execution stops at the first command that does not
// succeed.
func (e *Engine) execute(ctx context.Context, out *Outcome, opts Options) error {
	for i, cmd := range out.Request.Commands {
		decision, err := e.gate.Confirm(ctx, cmd, out.Verdicts[i], opts.Force)
		if errors.Is(err, terminal.ErrQuitAll) {
			out.Skipped = append(out.Skipped, out.Request.Commands[i:]...)
			return errors.Mark(errors.New("cancelled by operator"), errors.ErrConfirmationDenied)
		}
		if err != nil {
			return err
		}
		if !decision.Proceed {
			e.logger.Info().Str("command", cmd).Str("reason", decision.Reason).Msg("command skipped")
			out.Skipped = append(out.Skipped, cmd)
			continue
		}

		result := e.runner.Execute(ctx, cmd, e.cfg.CommandTimeout)
		out.Results = append(out.Results, result)
		if opts.OnResult != nil {
			opts.OnResult(result)
		}
		if !result.Succeeded() {
			return result.Err()
		}
	}

	if len(out.Skipped) > 0 {
		return errors.Mark(
			errors.Newf("%d of %d command(s) skipped: %s", len(out.Skipped), len(out.Request.Commands), decisionSummary(out.Skipped)),
			errors.ErrConfirmationDenied)
	}
	return nil
}

// schedule stores the request as a job. Confirmation happens once, here;
// the scheduler never prompts.
func (e *Engine) schedule(ctx context.Context, out *Outcome, res *ai.Resolution, opts Options) error {
	now := e.clock()
	sched, err := e.buildSchedule(res, opts, now)
	if err != nil {
		return err
	}

	job, err := jobs.NewJob(out.Request, sched, now)
	if err != nil {
		return errors.Mark(err, errors.ErrUsage)
	}
	job.MaxRuns = opts.MaxRuns
	out.Job = job

	if opts.DryRun {
		return nil
	}
	if e.store == nil {
		return errors.New("scheduling is not available: no job store")
	}

	if err := e.store.Create(ctx, job); err != nil {
		return err
	}
	e.audit(ctx, jobs.AuditJobCreated, job, sched.String())

	decision, err := e.gate.Confirm(ctx, job.Command.CommandLine(), out.Verdict, opts.Force)
	if err != nil || !decision.Proceed {
		// the job row already exists, so it is cancelled even when ctx is done
		if terr := e.store.Transition(context.WithoutCancel(ctx), job.ID, jobs.StatePending, jobs.StateCancelled, time.Time{}); terr != nil {
			if err != nil {
				e.logger.Error().Err(terr).Str("job", job.ID).Msg("failed to cancel unconfirmed job")
				return err
			}
			return terr
		}
		job.State = jobs.StateCancelled
		if err != nil && !errors.Is(err, terminal.ErrQuitAll) {
			return err
		}
		return errors.Mark(errors.Newf("job %s not scheduled", job.ShortID()), errors.ErrConfirmationDenied)
	}

	if err := e.store.Transition(ctx, job.ID, jobs.StatePending, jobs.StateActive, time.Time{}); err != nil {
		return err
	}
	job.State = jobs.StateActive

	e.logger.Info().
		Str("job", job.ID).
		Str("schedule", sched.String()).
		Time("next_run_at", job.NextRunAt).
		Msg("job scheduled")
	return nil
}

// buildSchedule prefers the explicit flags over the resolver's hint
func (e *Engine) buildSchedule(res *ai.Resolution, opts Options, now time.Time) (jobs.Schedule, error) {
	tz := opts.Timezone
	if tz == "" {
		tz = e.cfg.DefaultTimezone
	}

	var (
		sched jobs.Schedule
		err   error
	)
	switch {
	case opts.Cron != "" && opts.At != "":
		return jobs.Schedule{}, errors.Usagef("--cron and --at are mutually exclusive")
	case opts.Cron != "":
		sched, err = jobs.Cron(opts.Cron, tz)
	case opts.At != "":
		sched, err = jobs.FromHint(&ai.ScheduleHint{At: opts.At, Timezone: tz}, tz, now)
	case !res.Schedule.IsZero():
		sched, err = jobs.FromHint(res.Schedule, tz, now)
	default:
		return jobs.Schedule{}, errors.WithHint(
			errors.Usagef("no schedule given and none found in the request"),
			"pass --cron \"0 2 * * *\" or --at \"2026-01-02 15:04\"")
	}
	if err != nil {
		return jobs.Schedule{}, errors.Mark(err, errors.ErrUsage)
	}
	if !sched.Recurring() && sched.At.Before(now) {
		return jobs.Schedule{}, errors.Usagef("start time %s is in the past", sched.At.Format(time.RFC3339))
	}
	return sched, nil
}

func (e *Engine) audit(ctx context.Context, kind string, job *jobs.Job, detail string) {
	if err := e.store.RecordAudit(ctx, jobs.AuditEvent{
		At:      e.clock(),
		Kind:    kind,
		JobID:   job.ID,
		Command: job.Command.CommandLine(),
		Detail:  detail,
	}); err != nil {
		e.logger.Warn().Err(err).Str("kind", kind).Msg("failed to record audit event")
	}
}

// combine folds per-command verdicts into the verdict of the whole request
func combine(verdicts []security.Verdict) security.Verdict {
	out := security.Verdict{Allowed: true, Risk: ai.RiskSafe}
	var confirmReason string
	for _, v := range verdicts {
		out.Risk = out.Risk.Max(v.Risk)
		out.Matches = append(out.Matches, v.Matches...)
		if !v.Allowed && out.Allowed {
			out.Allowed = false
			out.Reason = v.Reason
			out.Executable = v.Executable
		}
		if v.RequiresConfirmation {
			out.RequiresConfirmation = true
			if confirmReason == "" {
				confirmReason = v.Reason
			}
		}
	}
	if out.Allowed {
		out.Reason = "allowed"
		if confirmReason != "" {
			out.Reason = confirmReason
		}
	}
	return out
}

func decisionSummary(cmds []string) string {
	if len(cmds) == 1 {
		return cmds[0]
	}
	return fmt.Sprintf("%s (and %d more)", cmds[0], len(cmds)-1)
}
