package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/geisonfgf/execAI/internal/core/jobs"
	"github.com/geisonfgf/execAI/internal/core/security"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/rs/zerolog"
)

// ErrQuitAll is returned by Confirm when the operator cancels the remaining commands
var ErrQuitAll = errors.New("quit all commands")

// Auditor records confirmation decisions
type Auditor interface {
	RecordAudit(ctx context.Context, event jobs.AuditEvent) error
}

// Decision is the outcome of the confirmation gate
type Decision struct {
	Proceed  bool
	Bypassed bool
	Reason   string
}

// Gate asks the operator before commands that need confirmation run.
// A prompt that gets no answer within the timeout, or hits end of input,
// counts as a refusal.
type Gate struct {
	in      io.Reader
	out     io.Writer
	timeout time.Duration
	auditor Auditor
	logger  zerolog.Logger
	clock   func() time.Time

	once  sync.Once
	lines chan string
}

// NewGate creates a gate reading answers from in (stdin when nil) and
// writing prompts to out (stdout when nil). auditor may be nil.
func NewGate(in io.Reader, out io.Writer, timeout time.Duration, auditor Auditor, logger zerolog.Logger) *Gate {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	return &Gate{
		in:      in,
		out:     out,
		timeout: timeout,
		auditor: auditor,
		logger:  logger.With().Str("component", "gate").Logger(),
		clock:   time.Now,
	}
}

// Confirm decides whether command may run. With force set, a required
// confirmation is skipped and the bypass is audited.
func (g *Gate) Confirm(ctx context.Context, command string, verdict security.Verdict, force bool) (Decision, error) {
	if !verdict.Allowed {
		return Decision{Reason: verdict.Reason}, nil
	}
	if !verdict.RequiresConfirmation {
		return Decision{Proceed: true, Reason: verdict.Reason}, nil
	}
	if force {
		g.logger.Warn().
			Str("command", command).
			Str("reason", verdict.Reason).
			Msg("confirmation bypassed with --force")
		g.audit(ctx, jobs.AuditConfirmationBypassed, command, verdict.Reason)
		return Decision{Proceed: true, Bypassed: true, Reason: verdict.Reason}, nil
	}

	g.prompt(command, verdict)
	decision, err := g.await(ctx)
	if err != nil {
		if errors.Is(err, ErrQuitAll) {
			g.audit(ctx, jobs.AuditConfirmationDenied, command, "quit all")
		}
		return Decision{}, err
	}
	if !decision.Proceed {
		g.audit(ctx, jobs.AuditConfirmationDenied, command, decision.Reason)
	}
	return decision, nil
}

func (g *Gate) prompt(command string, verdict security.Verdict) {
	fmt.Fprintf(g.out, "\n⚠️  This command needs your confirmation\n\n")
	fmt.Fprintf(g.out, "Command: %s\n", command)
	fmt.Fprintf(g.out, "Risk:    %s\n", verdict.Risk)
	if verdict.Reason != "" {
		fmt.Fprintf(g.out, "Reason:  %s\n", verdict.Reason)
	}
	for _, m := range verdict.Matches {
		fmt.Fprintf(g.out, "Warning: %s\n", m)
	}
	fmt.Fprintf(g.out, "\n[y] run  [n] skip  [q] cancel all\n> ")
}

func (g *Gate) await(ctx context.Context) (Decision, error) {
	g.once.Do(g.startReader)

	var timeout <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-timeout:
			fmt.Fprintln(g.out, "\n✗ no answer, skipped")
			return Decision{Reason: fmt.Sprintf("confirmation timed out after %s", g.timeout)}, nil
		case line, ok := <-g.lines:
			if !ok {
				fmt.Fprintln(g.out, "\n✗ no input, skipped")
				return Decision{Reason: "no input"}, nil
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				fmt.Fprintln(g.out, "✓ approved")
				return Decision{Proceed: true, Reason: "approved by operator"}, nil
			case "n", "no", "s", "skip":
				fmt.Fprintln(g.out, "⊘ skipped")
				return Decision{Reason: "declined by operator"}, nil
			case "q", "quit":
				fmt.Fprintln(g.out, "✗ cancelled all")
				return Decision{}, ErrQuitAll
			default:
				fmt.Fprintf(g.out, "Please answer y/n/q: ")
			}
		}
	}
}

// startReader feeds input lines to the gate. The goroutine lives until the
// input ends, so one gate serves every prompt of a process.
func (g *Gate) startReader() {
	g.lines = make(chan string)
	go func() {
		defer close(g.lines)
		scanner := bufio.NewScanner(g.in)
		for scanner.Scan() {
			g.lines <- scanner.Text()
		}
	}()
}

func (g *Gate) audit(ctx context.Context, kind, command, detail string) {
	if g.auditor == nil {
		return
	}
	if err := g.auditor.RecordAudit(ctx, jobs.AuditEvent{
		At:      g.clock(),
		Kind:    kind,
		Command: command,
		Detail:  detail,
	}); err != nil {
		g.logger.Warn().Err(err).Str("kind", kind).Msg("failed to record audit event")
	}
}
