package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geisonfgf/execAI/internal/ai"
	"github.com/geisonfgf/execAI/internal/core/execution"
	"github.com/geisonfgf/execAI/internal/core/jobs"
	"github.com/geisonfgf/execAI/internal/db"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// runnerFunc runs each command through fn, stopping at the first failure
type runnerFunc func(ctx context.Context, command string) *execution.Result

func (f runnerFunc) ExecuteAll(ctx context.Context, commands []string, _ time.Duration) []*execution.Result {
	var out []*execution.Result
	for _, c := range commands {
		res := f(ctx, c)
		out = append(out, res)
		if !res.Succeeded() {
			break
		}
	}
	return out
}

func succeed(_ context.Context, command string) *execution.Result {
	return &execution.Result{Command: command, State: execution.StateSucceeded}
}

func fail(_ context.Context, command string) *execution.Result {
	return &execution.Result{Command: command, State: execution.StateFailed, ExitCode: 1, Error: "exit status 1"}
}

// gatedRunner blocks every run until released or cancelled
type gatedRunner struct {
	release chan struct{}
	started chan string

	mu     sync.Mutex
	causes []error
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{release: make(chan struct{}), started: make(chan string, 64)}
}

func (g *gatedRunner) ExecuteAll(ctx context.Context, commands []string, _ time.Duration) []*execution.Result {
	g.started <- commands[0]
	select {
	case <-g.release:
		return []*execution.Result{{Command: commands[0], State: execution.StateSucceeded}}
	case <-ctx.Done():
		g.mu.Lock()
		g.causes = append(g.causes, context.Cause(ctx))
		g.mu.Unlock()
		return []*execution.Result{{
			Command:  commands[0],
			State:    execution.StateCancelled,
			ExitCode: execution.NoExitCode,
			Error:    "command cancelled",
		}}
	}
}

func (g *gatedRunner) lastCause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.causes) == 0 {
		return nil
	}
	return g.causes[len(g.causes)-1]
}

func (g *gatedRunner) waitStarted(t *testing.T) string {
	t.Helper()
	select {
	case cmd := <-g.started:
		return cmd
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
		return ""
	}
}

func newTestStore(t *testing.T, clock *fakeClock) *jobs.SQLStore {
	t.Helper()
	conn, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "execai.db"))
	require.NoError(t, err)
	store := jobs.NewStore(conn, jobs.WithStoreClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addJob(t *testing.T, store jobs.Store, name string, sched jobs.Schedule, created time.Time) *jobs.Job {
	t.Helper()
	job, err := jobs.NewJob(ai.CommandRequest{
		RawText:  name,
		Commands: []string{"run " + name},
	}, sched, created)
	require.NoError(t, err)
	job.State = jobs.StateActive
	require.NoError(t, store.Create(context.Background(), job))
	return job
}

func mustCron(t *testing.T, expr string) jobs.Schedule {
	t.Helper()
	s, err := jobs.Cron(expr, "UTC")
	require.NoError(t, err)
	return s
}

func getJob(t *testing.T, store jobs.Store, id string) *jobs.Job {
	t.Helper()
	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func waitForJob(t *testing.T, store jobs.Store, id string, cond func(*jobs.Job) bool) *jobs.Job {
	t.Helper()
	var last *jobs.Job
	require.Eventually(t, func() bool {
		job, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = job
		return cond(job)
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func TestTick_AdmitsFIFOUpToCapacity(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	store := newTestStore(t, clock)
	first := addJob(t, store, "first", jobs.Once(base), base)
	second := addJob(t, store, "second", jobs.Once(base), base.Add(time.Second))
	third := addJob(t, store, "third", jobs.Once(base), base.Add(2*time.Second))

	runner := newGatedRunner()
	s := New(store, runner, Config{MaxConcurrent: 2}, WithClock(clock.Now))

	require.NoError(t, s.Tick(ctx, base))

	assert.Equal(t, jobs.StateRunning, getJob(t, store, first.ID).State)
	assert.Equal(t, jobs.StateRunning, getJob(t, store, second.ID).State)
	deferred := getJob(t, store, third.ID)
	assert.Equal(t, jobs.StateActive, deferred.State)
	assert.True(t, deferred.Overdue)

	close(runner.release)
	waitForJob(t, store, first.ID, func(j *jobs.Job) bool { return j.State == jobs.StateCompleted })
	waitForJob(t, store, second.ID, func(j *jobs.Job) bool { return j.State == jobs.StateCompleted })

	require.Eventually(t, func() bool {
		_ = s.Tick(ctx, base)
		return getJob(t, store, third.ID).State != jobs.StateActive
	}, 5*time.Second, 10*time.Millisecond)

	done := waitForJob(t, store, third.ID, func(j *jobs.Job) bool { return j.State == jobs.StateCompleted })
	assert.False(t, done.Overdue)
	s.wg.Wait()
}

func TestTick_NextRunIsDriftFree(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	store := newTestStore(t, clock)
	job := addJob(t, store, "every-five", mustCron(t, "*/5 * * * *"), base)
	require.True(t, base.Add(5*time.Minute).Equal(job.NextRunAt))

	s := New(store, runnerFunc(succeed), Config{}, WithClock(clock.Now))

	const ticks = 6
	due := job.NextRunAt
	for i := 1; i <= ticks; i++ {
		// Ticks and runs land a little after the instant they serve.
		now := clock.Advance(due.Sub(clock.Now()) + 250*time.Millisecond)
		require.NoError(t, s.Tick(ctx, now))

		want := i
		got := waitForJob(t, store, job.ID, func(j *jobs.Job) bool {
			return j.RunCount == want && j.State == jobs.StateActive
		})
		due = got.NextRunAt
	}

	assert.True(t, base.Add(time.Duration(ticks+1)*5*time.Minute).Equal(due), "next run drifted to %s", due)
	s.wg.Wait()
}

func TestRun_FailureThresholdIsTerminal(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	store := newTestStore(t, clock)
	job := addJob(t, store, "flaky", mustCron(t, "* * * * *"), base)

	s := New(store, runnerFunc(fail), Config{FailureThreshold: 3}, WithClock(clock.Now))

	for i := 1; i <= 3; i++ {
		current := getJob(t, store, job.ID)
		require.Equal(t, jobs.StateActive, current.State)
		now := clock.Advance(current.NextRunAt.Sub(clock.Now()) + time.Second)
		require.NoError(t, s.Tick(ctx, now))

		want := i
		got := waitForJob(t, store, job.ID, func(j *jobs.Job) bool { return j.RunCount == want && j.State != jobs.StateRunning })
		assert.Equal(t, i, got.ConsecutiveFailures)
	}

	final := getJob(t, store, job.ID)
	assert.Equal(t, jobs.StateFailedTerminal, final.State)
	require.NotNil(t, final.LastResult)
	assert.Equal(t, execution.StateFailed, final.LastResult.State)
	s.wg.Wait()
}

func TestRun_OneShotCompletesEvenOnFailure(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	store := newTestStore(t, clock)
	job := addJob(t, store, "once", jobs.Once(base), base)

	s := New(store, runnerFunc(fail), Config{}, WithClock(clock.Now))
	require.NoError(t, s.Tick(ctx, base))

	got := waitForJob(t, store, job.ID, func(j *jobs.Job) bool { return j.State == jobs.StateCompleted })
	assert.Equal(t, 1, got.RunCount)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	require.NotNil(t, got.LastResult)
	assert.Equal(t, 1, got.LastResult.ExitCode)
	s.wg.Wait()
}

func TestRun_MaxRunsCompletes(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	store := newTestStore(t, clock)

	job, err := jobs.NewJob(ai.CommandRequest{RawText: "twice", Commands: []string{"date"}}, mustCron(t, "* * * * *"), base)
	require.NoError(t, err)
	job.State = jobs.StateActive
	job.MaxRuns = 2
	require.NoError(t, store.Create(ctx, job))

	s := New(store, runnerFunc(succeed), Config{}, WithClock(clock.Now))
	for i := 1; i <= 2; i++ {
		current := getJob(t, store, job.ID)
		now := clock.Advance(current.NextRunAt.Sub(clock.Now()))
		require.NoError(t, s.Tick(ctx, now))
		want := i
		waitForJob(t, store, job.ID, func(j *jobs.Job) bool { return j.RunCount == want && j.State != jobs.StateRunning })
	}

	assert.Equal(t, jobs.StateCompleted, getJob(t, store, job.ID).State)
	s.wg.Wait()
}

func TestScheduler_PauseCancelsRunningJob(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	store := newTestStore(t, clock)
	job := addJob(t, store, "long", mustCron(t, "0 * * * *"), base.Add(-time.Hour))

	runner := newGatedRunner()
	s := New(store, runner, Config{}, WithClock(clock.Now))
	require.NoError(t, s.Tick(ctx, base))
	runner.waitStarted(t)

	paused, err := s.Pause(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatePaused, paused.State)

	got := waitForJob(t, store, job.ID, func(j *jobs.Job) bool { return j.LastResult != nil })
	assert.Equal(t, jobs.StatePaused, got.State)
	assert.Equal(t, execution.StateCancelled, got.LastResult.State)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.True(t, errors.Is(runner.lastCause(), ErrOperatorCancel))
	s.wg.Wait()

	resumed, err := s.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateActive, resumed.State)
	assert.True(t, base.Add(time.Hour).Equal(resumed.NextRunAt))
}

func TestTick_ReconcilesExternalCancel(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	store := newTestStore(t, clock)
	job := addJob(t, store, "external", jobs.Once(base), base)

	runner := newGatedRunner()
	s := New(store, runner, Config{}, WithClock(clock.Now))
	require.NoError(t, s.Tick(ctx, base))
	runner.waitStarted(t)

	// Another process (the CLI) cancels the job directly in the store.
	_, err := jobs.Cancel(ctx, store, job.ID, base)
	require.NoError(t, err)

	require.NoError(t, s.Tick(ctx, base.Add(time.Second)))

	got := waitForJob(t, store, job.ID, func(j *jobs.Job) bool { return j.LastResult != nil })
	assert.Equal(t, jobs.StateCancelled, got.State)
	assert.Equal(t, execution.StateCancelled, got.LastResult.State)
	s.wg.Wait()
}

func TestStart_RecoversInterruptedJobs(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	store := newTestStore(t, clock)
	job := addJob(t, store, "crashed", jobs.Once(base.Add(-time.Minute)), base.Add(-time.Hour))
	require.NoError(t, store.Transition(ctx, job.ID, jobs.StateActive, jobs.StateRunning, time.Time{}))

	s := New(store, runnerFunc(succeed), Config{TickInterval: 10 * time.Millisecond}, WithClock(clock.Now))
	require.NoError(t, s.Start(ctx))
	defer s.Stop(ctx)

	assert.Error(t, s.Start(ctx), "second start")

	got := waitForJob(t, store, job.ID, func(j *jobs.Job) bool { return j.State == jobs.StateCompleted })
	assert.Equal(t, 1, got.RunCount)

	events, err := store.ListAudit(ctx, job.ID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, jobs.AuditJobRecovered, events[len(events)-1].Kind)
}

type unavailableStore struct {
	jobs.Store
}

func (unavailableStore) DueJobs(context.Context, time.Time, int) ([]*jobs.Job, error) {
	return nil, errors.StoreUnavailable(stderrors.New("disk I/O error"), "query due jobs")
}

func TestStart_StoreUnavailableHaltsLoop(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	store := unavailableStore{Store: newTestStore(t, clock)}

	s := New(store, runnerFunc(succeed), Config{TickInterval: 10 * time.Millisecond}, WithClock(clock.Now))
	require.NoError(t, s.Start(ctx))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not halt")
	}
	assert.True(t, errors.IsStoreUnavailable(s.Err()))
	assert.NoError(t, s.Stop(ctx))
}

type failingCompleteStore struct {
	jobs.Store
}

func (failingCompleteStore) CompleteRun(context.Context, string, jobs.RunOutcome) (bool, error) {
	return false, errors.StoreUnavailable(stderrors.New("disk I/O error"), "complete run")
}

func TestStart_CompleteRunUnavailableHaltsLoop(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	inner := newTestStore(t, clock)
	addJob(t, inner, "every minute", mustCron(t, "* * * * *"), base.Add(-time.Hour))

	var runs atomic.Int32
	runner := runnerFunc(func(ctx context.Context, command string) *execution.Result {
		runs.Add(1)
		return succeed(ctx, command)
	})
	s := New(failingCompleteStore{Store: inner}, runner, Config{TickInterval: 10 * time.Millisecond}, WithClock(clock.Now))
	require.NoError(t, s.Start(ctx))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop kept running after the outcome could not be stored")
	}
	assert.True(t, errors.IsStoreUnavailable(s.Err()))
	assert.Equal(t, int32(1), runs.Load())
	assert.NoError(t, s.Stop(ctx))
}

type failingClaimStore struct {
	jobs.Store
}

func (failingClaimStore) Claim(context.Context, string, time.Time) error {
	return errors.StoreUnavailable(stderrors.New("database is locked"), "claim job")
}

func TestTick_ClaimUnavailableIsFatal(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	inner := newTestStore(t, clock)
	job := addJob(t, inner, "hourly", mustCron(t, "0 * * * *"), base.Add(-time.Hour))

	s := New(failingClaimStore{Store: inner}, runnerFunc(succeed), Config{}, WithClock(clock.Now))
	err := s.Tick(ctx, base)
	require.Error(t, err)
	assert.True(t, errors.IsStoreUnavailable(err))
	assert.Equal(t, jobs.StateActive, getJob(t, inner, job.ID).State)
}

func TestStop_ShutdownReschedulesInFlight(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	store := newTestStore(t, clock)
	job := addJob(t, store, "stuck", mustCron(t, "0 * * * *"), base.Add(-time.Hour))

	runner := newGatedRunner()
	s := New(store, runner, Config{TickInterval: 10 * time.Millisecond}, WithClock(clock.Now))
	require.NoError(t, s.Start(ctx))
	runner.waitStarted(t)

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := s.Stop(stopCtx)
	assert.Error(t, err)
	assert.True(t, errors.Is(runner.lastCause(), ErrShutdown))

	got := getJob(t, store, job.ID)
	assert.Equal(t, jobs.StateActive, got.State)
	assert.False(t, got.NextRunAt.After(clock.Now()))
	assert.Zero(t, got.RunCount)
	assert.Zero(t, got.ConsecutiveFailures)
}

func TestStop_BeforeStart(t *testing.T) {
	clock := newFakeClock(base)
	s := New(newTestStore(t, clock), runnerFunc(succeed), Config{})
	assert.NoError(t, s.Stop(context.Background()))
}

func TestTick_NoOverlappingRunsUnderConcurrentTicks(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(base)
	store := newTestStore(t, clock)

	const numJobs = 6
	for i := 0; i < numJobs; i++ {
		addJob(t, store, fmt.Sprintf("job-%d", i), mustCron(t, "* * * * * *"), base.Add(time.Duration(i)*time.Millisecond))
	}

	var (
		mu       sync.Mutex
		active   = map[string]int{}
		overlaps int
		runs     int
	)
	runner := runnerFunc(func(_ context.Context, command string) *execution.Result {
		mu.Lock()
		active[command]++
		if active[command] > 1 {
			overlaps++
		}
		runs++
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		active[command]--
		mu.Unlock()
		return &execution.Result{Command: command, State: execution.StateSucceeded}
	})

	s := New(store, runner, Config{MaxConcurrent: 3}, WithClock(clock.Now))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				now := clock.Advance(100 * time.Millisecond)
				assert.NoError(t, s.Tick(ctx, now))
			}
		}()
	}
	wg.Wait()
	s.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, overlaps, "a job ran twice at once")
	assert.Positive(t, runs)

	all, err := store.List(ctx, jobs.ListFilter{})
	require.NoError(t, err)
	for _, j := range all {
		assert.NotEqual(t, jobs.StateRunning, j.State, j.Name)
	}
}

func TestNextOutcome(t *testing.T) {
	cron := mustCron(t, "*/10 * * * *")
	finished := base.Add(3 * time.Minute)

	tests := []struct {
		name         string
		job          jobs.Job
		result       execution.State
		wantState    jobs.State
		wantFailures int
		wantNext     time.Time
	}{
		{
			name:      "recurring success",
			job:       jobs.Job{Schedule: cron, ConsecutiveFailures: 2},
			result:    execution.StateSucceeded,
			wantState: jobs.StateActive,
			wantNext:  base.Add(10 * time.Minute),
		},
		{
			name:         "recurring timeout counts as failure",
			job:          jobs.Job{Schedule: cron, ConsecutiveFailures: 1},
			result:       execution.StateTimedOut,
			wantState:    jobs.StateActive,
			wantFailures: 2,
			wantNext:     base.Add(10 * time.Minute),
		},
		{
			name:         "threshold reached",
			job:          jobs.Job{Schedule: cron, ConsecutiveFailures: 2},
			result:       execution.StateFailed,
			wantState:    jobs.StateFailedTerminal,
			wantFailures: 3,
		},
		{
			name:         "cancel leaves failures alone",
			job:          jobs.Job{Schedule: cron, ConsecutiveFailures: 2},
			result:       execution.StateCancelled,
			wantState:    jobs.StateActive,
			wantFailures: 2,
			wantNext:     base.Add(10 * time.Minute),
		},
		{
			name:      "max runs reached",
			job:       jobs.Job{Schedule: cron, RunCount: 4, MaxRuns: 5},
			result:    execution.StateSucceeded,
			wantState: jobs.StateCompleted,
		},
		{
			name:         "one shot",
			job:          jobs.Job{Schedule: jobs.Once(base)},
			result:       execution.StateFailed,
			wantState:    jobs.StateCompleted,
			wantFailures: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := tt.job
			out := NextOutcome(&job, &execution.Result{State: tt.result}, finished, 3)
			assert.Equal(t, tt.wantState, out.NextState)
			assert.Equal(t, tt.wantFailures, out.ConsecutiveFailures)
			assert.Equal(t, tt.job.RunCount+1, out.RunCount)
			assert.True(t, tt.wantNext.Equal(out.NextRunAt), "next %s", out.NextRunAt)
		})
	}
}
