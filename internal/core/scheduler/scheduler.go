// Package scheduler drives persisted jobs: it claims due jobs from the store,
// runs them under a global concurrency limit and writes back their outcome.
//
// One control goroutine ticks; it never blocks on a command. Each admitted
// run gets its own goroutine and a cancellable context. A job never runs
// twice at once because a run starts only after the ACTIVE -> RUNNING
// compare-and-set succeeded in the store.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/geisonfgf/execAI/internal/core/execution"
	"github.com/geisonfgf/execAI/internal/core/jobs"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/geisonfgf/execAI/internal/logging"
	"github.com/geisonfgf/execAI/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Cancellation causes attached to run contexts
var (
	ErrShutdown       = errors.New("scheduler shutting down")
	ErrOperatorCancel = errors.Mark(errors.New("cancelled by operator"), errors.ErrExecutionCancelled)
)

// persistTimeout bounds the store writes made after a run has finished
const persistTimeout = 10 * time.Second

// Runner executes the commands of one job run, stopping at the first failure
type Runner interface {
	ExecuteAll(ctx context.Context, commands []string, timeout time.Duration) []*execution.Result
}

// Config holds the scheduler limits
type Config struct {
	TickInterval     time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	MaxConcurrent    int           `mapstructure:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	DefaultTimezone  string        `mapstructure:"default_timezone" yaml:"default_timezone"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CommandTimeout   time.Duration `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the stock limits
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		MaxConcurrent:    5,
		FailureThreshold: 3,
		DefaultTimezone:  "UTC",
		ShutdownTimeout:  30 * time.Second,
	}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces time.Now
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithMetrics records admissions and runs
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the parent logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = logging.Component(logger, "scheduler") }
}

// Scheduler claims and runs due jobs
type Scheduler struct {
	store   jobs.Store
	runner  Runner
	cfg     Config
	clock   func() time.Time
	metrics *metrics.Metrics
	log     zerolog.Logger

	slots        *semaphore.Weighted
	capacityWarn rate.Sometimes

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	wg      sync.WaitGroup

	// runs derive from runCtx so Stop can cancel them all at once
	runCtx    context.Context
	runCancel context.CancelCauseFunc

	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stop      chan struct{}
	done      chan struct{}
	errMu     sync.Mutex
	err       error

	// a run that cannot persist its outcome closes fatal for the loop
	fatalOnce sync.Once
	fatal     chan struct{}
	fatalErr  error
}

// New creates a scheduler. Zero fields of cfg take their defaults.
func New(store jobs.Store, runner Runner, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	runCtx, runCancel := context.WithCancelCause(context.Background())
	s := &Scheduler{
		store:        store,
		runner:       runner,
		cfg:          cfg,
		clock:        time.Now,
		log:          zerolog.Nop(),
		slots:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		capacityWarn: rate.Sometimes{Interval: 10 * time.Second},
		running:      make(map[string]context.CancelCauseFunc),
		runCtx:       runCtx,
		runCancel:    runCancel,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		fatal:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start recovers jobs interrupted by a previous crash and starts ticking.
// It returns once the loop is running; the loop stops on Stop, when ctx is
// cancelled, or when the store becomes unavailable.
func (s *Scheduler) Start(ctx context.Context) error {
	err := errors.New("scheduler already started")
	s.startOnce.Do(func() {
		s.mu.Lock()
		s.started = true
		s.mu.Unlock()
		err = s.start(ctx)
	})
	return err
}

func (s *Scheduler) start(ctx context.Context) error {
	ids, err := s.store.Recover(ctx, s.clock())
	if err != nil {
		s.halt(err)
		close(s.done)
		return err
	}
	for _, id := range ids {
		s.log.Info().Str("job", id).Msg("recovered job interrupted while running")
		if err := s.store.RecordAudit(ctx, jobs.AuditEvent{
			At:     s.clock(),
			Kind:   jobs.AuditJobRecovered,
			JobID:  id,
			Detail: "running -> active",
		}); err != nil {
			s.log.Warn().Err(err).Str("job", id).Msg("failed to audit recovery")
		}
	}

	s.log.Info().
		Int("max_concurrent", s.cfg.MaxConcurrent).
		Dur("tick", s.cfg.TickInterval).
		Int("recovered", len(ids)).
		Msg("scheduler started")

	go s.loop(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := s.Tick(ctx, s.clock()); err != nil {
			s.halt(err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.fatal:
			s.halt(s.storeFailure())
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass at now. It returns an error only when the
// store is unavailable, which is fatal to the loop.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	if err := s.storeFailure(); err != nil {
		return err
	}
	s.reconcile(ctx)

	due, err := s.store.DueJobs(ctx, now, 0)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.metrics.StoreError()
		if errors.IsStoreUnavailable(err) {
			return err
		}
		s.log.Error().Err(err).Msg("failed to query due jobs")
		return nil
	}

	for _, job := range due {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.storeFailure(); err != nil {
			return err
		}
		if s.inFlight(job.ID) {
			continue
		}
		if !s.slots.TryAcquire(1) {
			if err := s.deferJob(ctx, job); err != nil {
				return err
			}
			continue
		}
		if err := s.store.Claim(ctx, job.ID, now); err != nil {
			s.slots.Release(1)
			switch {
			case errors.IsConflict(err):
				s.metrics.Conflict()
				s.log.Debug().Str("job", job.ID).Err(err).Msg("claim lost")
			case errors.IsNotFound(err):
				s.log.Debug().Str("job", job.ID).Msg("job deleted before claim")
			case errors.IsStoreUnavailable(err):
				s.metrics.StoreError()
				return err
			default:
				s.metrics.StoreError()
				s.log.Error().Str("job", job.ID).Err(err).Msg("failed to claim job")
			}
			continue
		}

		s.metrics.Admitted()
		s.dispatch(job)
	}
	return nil
}

// deferJob keeps a due job ACTIVE and flags it overdue; it is retried next
// tick. Only a store-unavailable error is returned.
func (s *Scheduler) deferJob(ctx context.Context, job *jobs.Job) error {
	s.metrics.Overdue()
	if !job.Overdue {
		if err := s.store.SetOverdue(ctx, job.ID, true); err != nil {
			if errors.IsStoreUnavailable(err) {
				s.metrics.StoreError()
				return err
			}
			s.log.Error().Str("job", job.ID).Err(err).Msg("failed to mark job overdue")
		}
	}
	s.capacityWarn.Do(func() {
		s.log.Warn().
			Str("job", job.ID).
			Int("max_concurrent", s.cfg.MaxConcurrent).
			Msg("concurrency limit reached, deferring due jobs")
	})
	return nil
}

func (s *Scheduler) dispatch(job *jobs.Job) {
	ctx, cancel := context.WithCancelCause(s.runCtx)

	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, cancel, job)
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelCauseFunc, job *jobs.Job) {
	defer s.wg.Done()
	defer s.slots.Release(1)
	defer cancel(nil)

	log := s.log.With().Str("job", job.ID).Str("name", job.Name).Logger()
	log.Info().Msg("job run started")

	started := s.clock()
	results := s.runner.ExecuteAll(ctx, job.Command.Commands, s.cfg.CommandTimeout)
	last := execution.Last(results)
	if last == nil {
		last = &execution.Result{
			Command:   job.Command.CommandLine(),
			State:     execution.StateFailed,
			ExitCode:  execution.NoExitCode,
			StartedAt: started,
			Error:     "no commands to run",
		}
	}

	s.mu.Lock()
	delete(s.running, job.ID)
	s.mu.Unlock()

	finished := s.clock()
	cause := context.Cause(ctx)
	var outcome jobs.RunOutcome
	if errors.Is(cause, ErrShutdown) {
		outcome = jobs.RunOutcome{
			Result:              last,
			FinishedAt:          finished,
			NextState:           jobs.StateActive,
			NextRunAt:           finished,
			ConsecutiveFailures: job.ConsecutiveFailures,
			RunCount:            job.RunCount,
		}
	} else {
		outcome = NextOutcome(job, last, finished, s.cfg.FailureThreshold)
	}

	pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
	defer pcancel()
	applied, err := s.store.CompleteRun(pctx, job.ID, outcome)

	s.metrics.RunFinished(last.State.String(), finished.Sub(started))

	switch {
	case err != nil:
		s.metrics.StoreError()
		log.Error().Err(err).Msg("failed to record run outcome")
		if errors.IsStoreUnavailable(err) {
			s.failStore(err)
		}
	case !applied:
		log.Info().
			Stringer("result", last.State).
			AnErr("cause", cause).
			Msg("job run finished after operator change, state left untouched")
	default:
		ev := log.Info()
		if !last.Succeeded() {
			ev = log.Warn().Str("error", last.Error).Int("exit_code", last.ExitCode)
		}
		ev.Stringer("result", last.State).
			Str("next_state", string(outcome.NextState)).
			Time("next_run_at", outcome.NextRunAt).
			Int("consecutive_failures", outcome.ConsecutiveFailures).
			Msg("job run finished")
	}
}

// NextOutcome applies the lifecycle rules to a finished run.
func NextOutcome(job *jobs.Job, result *execution.Result, finished time.Time, failureThreshold int) jobs.RunOutcome {
	out := jobs.RunOutcome{
		Result:              result,
		FinishedAt:          finished,
		ConsecutiveFailures: job.ConsecutiveFailures,
		RunCount:            job.RunCount + 1,
	}
	switch result.State {
	case execution.StateSucceeded:
		out.ConsecutiveFailures = 0
	case execution.StateFailed, execution.StateTimedOut:
		out.ConsecutiveFailures++
	}

	switch {
	case !job.Schedule.Recurring():
		out.NextState = jobs.StateCompleted
	case failureThreshold > 0 && out.ConsecutiveFailures >= failureThreshold:
		out.NextState = jobs.StateFailedTerminal
	case job.MaxRuns > 0 && out.RunCount >= job.MaxRuns:
		out.NextState = jobs.StateCompleted
	default:
		next, ok, err := job.Schedule.Next(finished)
		if err != nil || !ok {
			out.NextState = jobs.StateCompleted
			return out
		}
		out.NextState = jobs.StateActive
		out.NextRunAt = next
	}
	return out
}

// reconcile cancels runs whose job was moved out of RUNNING by another
// process, such as `execai pause` while the daemon runs it.
func (s *Scheduler) reconcile(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		job, err := s.store.Get(ctx, id)
		switch {
		case errors.IsNotFound(err):
			s.cancelRun(id, ErrOperatorCancel)
		case err != nil:
			s.log.Debug().Str("job", id).Err(err).Msg("reconcile lookup failed")
		case job.State != jobs.StateRunning:
			s.log.Info().Str("job", id).Str("state", string(job.State)).Msg("cancelling run changed by operator")
			s.cancelRun(id, ErrOperatorCancel)
		}
	}
}

// Pause pauses a job and cancels its run if it is executing here
func (s *Scheduler) Pause(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := jobs.Pause(ctx, s.store, id, s.clock())
	if err != nil {
		return nil, err
	}
	s.cancelRun(job.ID, ErrOperatorCancel)
	return job, nil
}

// Resume re-activates a paused job
func (s *Scheduler) Resume(ctx context.Context, id string) (*jobs.Job, error) {
	return jobs.Resume(ctx, s.store, id, s.clock())
}

// Cancel cancels a job and its run if it is executing here
func (s *Scheduler) Cancel(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := jobs.Cancel(ctx, s.store, id, s.clock())
	if err != nil {
		return nil, err
	}
	s.cancelRun(job.ID, ErrOperatorCancel)
	return job, nil
}

func (s *Scheduler) cancelRun(id string, cause error) {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel(cause)
	}
}

func (s *Scheduler) inFlight(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// InFlight returns the ids of jobs currently executing
func (s *Scheduler) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// Stop stops ticking and waits for in-flight runs. If ctx expires first the
// remaining runs are cancelled and their jobs rescheduled to run at once
// after the next start.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}

	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.runCancel(ErrShutdown)
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Strs("jobs", s.InFlight()).Msg("shutdown timeout, cancelling in-flight runs")
		s.runCancel(ErrShutdown)
		<-drained
		return errors.Wrap(ctx.Err(), "drain in-flight runs")
	}
}

// Done is closed when the tick loop has exited
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that halted the loop, if any
func (s *Scheduler) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// failStore records a store failure seen outside the loop goroutine and
// wakes the loop so it halts before dispatching anything else.
func (s *Scheduler) failStore(err error) {
	s.errMu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.errMu.Unlock()
	s.fatalOnce.Do(func() { close(s.fatal) })
}

func (s *Scheduler) storeFailure() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.fatalErr
}

func (s *Scheduler) halt(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	s.log.Error().Err(err).Msg("scheduler halted")
}
