package execution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/geisonfgf/execAI/internal/core/security"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
)

// NoExitCode is reported when the process was killed or never started
const NoExitCode = -1

// Config holds the executor settings
type Config struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	GracePeriod  time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	OutputLimit  int           `mapstructure:"output_limit" yaml:"output_limit"`
	EnvAllowlist []string      `mapstructure:"env_allowlist" yaml:"env_allowlist"`
	Shell        string        `mapstructure:"shell" yaml:"shell"`
	WorkDir      string        `mapstructure:"work_dir" yaml:"work_dir"`
}

// DefaultEnvAllowlist lists the variables passed through to children.
// A trailing '*' matches a prefix.
var DefaultEnvAllowlist = []string{
	"PATH", "HOME", "USER", "LOGNAME", "LANG", "LC_*", "TZ", "SHELL", "TMPDIR",
}

// DefaultConfig returns the default executor configuration
func DefaultConfig() Config {
	return Config{
		Timeout:      300 * time.Second,
		GracePeriod:  5 * time.Second,
		OutputLimit:  64 * 1024,
		EnvAllowlist: append([]string(nil), DefaultEnvAllowlist...),
		Shell:        "/bin/sh",
	}
}

// ProcessInfo describes a child that is currently running
type ProcessInfo struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

// Executor runs commands as child processes
type Executor struct {
	cfg     Config
	env     []string
	logger  zerolog.Logger
	mu      sync.Mutex
	running map[int]ProcessInfo
}

// NewExecutor creates a new executor. The environment is captured once,
// filtered through cfg.EnvAllowlist.
func NewExecutor(cfg Config, logger zerolog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = def.OutputLimit
	}
	if cfg.Shell == "" {
		cfg.Shell = def.Shell
	}
	if cfg.EnvAllowlist == nil {
		cfg.EnvAllowlist = def.EnvAllowlist
	}

	return &Executor{
		cfg:     cfg,
		env:     filterEnv(os.Environ(), cfg.EnvAllowlist),
		logger:  logger.With().Str("component", "executor").Logger(),
		running: make(map[int]ProcessInfo),
	}
}

// Timeout returns the configured ceiling
func (e *Executor) Timeout() time.Duration {
	return e.cfg.Timeout
}

// Execute runs a single command. A timeout of zero, or one above the
// configured ceiling, is replaced by the ceiling. The returned result is
// never nil.
func (e *Executor) Execute(ctx context.Context, command string, timeout time.Duration) *Result {
	if timeout <= 0 || timeout > e.cfg.Timeout {
		timeout = e.cfg.Timeout
	}

	command = strings.TrimSpace(command)
	res := &Result{
		Command:   command,
		ExitCode:  NoExitCode,
		StartedAt: time.Now().UTC(),
	}

	if err := ctx.Err(); err != nil {
		res.State = StateCancelled
		res.Error = "command cancelled before start"
		return res
	}

	cmd, err := e.buildCmd(command)
	if err != nil {
		res.State = StateFailed
		res.Error = err.Error()
		return res
	}

	stdout := newCappedBuffer(e.cfg.OutputLimit)
	stderr := newCappedBuffer(e.cfg.OutputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = e.cfg.GracePeriod

	start := time.Now()
	if err := cmd.Start(); err != nil {
		res.State = StateFailed
		res.Error = fmt.Sprintf("failed to start: %v", err)
		res.Duration = time.Since(start)
		return res
	}

	pid := cmd.Process.Pid
	e.track(pid, command, res.StartedAt)
	defer e.untrack(pid)

	e.logger.Debug().Int("pid", pid).Str("command", command).Dur("timeout", timeout).Msg("process started")

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		res.State = StateTimedOut
		waitErr = e.stop(cmd, done)
	case <-ctx.Done():
		res.State = StateCancelled
		waitErr = e.stop(cmd, done)
	}

	res.Duration = time.Since(start)
	res.Stdout, res.StdoutTruncated = stdout.String(), stdout.Truncated()
	res.Stderr, res.StderrTruncated = stderr.String(), stderr.Truncated()

	switch res.State {
	case StateTimedOut:
		res.Error = fmt.Sprintf("command timed out after %s", formatSeconds(timeout))
	case StateCancelled:
		res.Error = "command cancelled"
	default:
		e.classifyExit(res, cmd, waitErr)
	}

	e.logger.Debug().
		Int("pid", pid).
		Str("state", res.State.String()).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("process finished")

	return res
}

// ExecuteAll runs commands in order and stops at the first one that does
// not succeed. It returns the results of the commands that ran.
func (e *Executor) ExecuteAll(ctx context.Context, commands []string, timeout time.Duration) []*Result {
	results := make([]*Result, 0, len(commands))
	for _, c := range commands {
		res := e.Execute(ctx, c, timeout)
		results = append(results, res)
		if res.State != StateSucceeded {
			break
		}
	}
	return results
}

// Running returns the children currently alive, oldest first
func (e *Executor) Running() []ProcessInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]ProcessInfo, 0, len(e.running))
	for _, p := range e.running {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (e *Executor) buildCmd(command string) (*exec.Cmd, error) {
	if command == "" {
		return nil, errors.New("empty command")
	}

	var cmd *exec.Cmd
	if security.NeedsShell(command) {
		cmd = exec.Command(e.cfg.Shell, "-c", command)
	} else {
		words, err := shellquote.Split(command)
		if err != nil {
			return nil, errors.Wrapf(err, "parse command %q", command)
		}
		if len(words) == 0 {
			return nil, errors.New("empty command")
		}
		cmd = exec.Command(words[0], words[1:]...)
	}

	cmd.Env = e.env
	cmd.Dir = e.cfg.WorkDir
	cmd.Stdin = nil
	detach(cmd)
	return cmd, nil
}

// stop asks the process group to terminate, then kills it after the grace
// period. It returns the error from Wait.
func (e *Executor) stop(cmd *exec.Cmd, done <-chan error) error {
	pid := cmd.Process.Pid
	if err := terminate(cmd); err != nil {
		e.logger.Debug().Err(err).Int("pid", pid).Msg("terminate signal failed")
	}

	grace := time.NewTimer(e.cfg.GracePeriod)
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
		e.logger.Warn().Int("pid", pid).Dur("grace", e.cfg.GracePeriod).Msg("process ignored termination, killing")
		if err := kill(cmd); err != nil {
			e.logger.Debug().Err(err).Int("pid", pid).Msg("kill signal failed")
		}
		return <-done
	}
}

func (e *Executor) classifyExit(res *Result, cmd *exec.Cmd, waitErr error) {
	if waitErr != nil && errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		// the command exited cleanly but a grandchild kept the output pipes open
		waitErr = nil
	}

	if waitErr == nil {
		res.State = StateSucceeded
		res.ExitCode = 0
		return
	}

	res.State = StateFailed
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if res.ExitCode >= 0 {
			res.Error = fmt.Sprintf("exit status %d", res.ExitCode)
			return
		}
	}
	res.Error = waitErr.Error()
}

func (e *Executor) track(pid int, command string, started time.Time) {
	e.mu.Lock()
	e.running[pid] = ProcessInfo{PID: pid, Command: command, StartedAt: started}
	e.mu.Unlock()
}

func (e *Executor) untrack(pid int) {
	e.mu.Lock()
	delete(e.running, pid)
	e.mu.Unlock()
}

func filterEnv(environ, allow []string) []string {
	var out []string
	hasPath := false
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for _, a := range allow {
			if a == key || (strings.HasSuffix(a, "*") && strings.HasPrefix(key, strings.TrimSuffix(a, "*"))) {
				out = append(out, kv)
				if key == "PATH" {
					hasPath = true
				}
				break
			}
		}
	}
	if !hasPath {
		out = append(out, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	return out
}

// formatSeconds renders 300s as "300s" rather than "5m0s"
func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%gs", d.Seconds())
}
