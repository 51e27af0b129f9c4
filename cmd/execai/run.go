package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/geisonfgf/execAI/internal/ai"
	"github.com/geisonfgf/execAI/internal/ai/glm"
	"github.com/geisonfgf/execAI/internal/ai/openai"
	"github.com/geisonfgf/execAI/internal/core"
	"github.com/geisonfgf/execAI/internal/core/execution"
	"github.com/geisonfgf/execAI/internal/core/jobs"
	"github.com/geisonfgf/execAI/internal/core/security"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/geisonfgf/execAI/internal/storage"
	"github.com/geisonfgf/execAI/internal/terminal"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type runOptions struct {
	force    bool
	dryRun   bool
	schedule bool
	cron     string
	at       string
	tz       string
	maxRuns  int
	raw      bool
}

// getRunCommand returns the run command
func getRunCommand(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <request...>",
		Short: "Resolve a request into commands and run or schedule them",
		Long: `Resolve a free-form request into system commands, validate them against the
safety policy and run them. Commands that need confirmation prompt first.

With --schedule, --cron or --at (or when the request itself names a time)
the commands are stored as a job for the daemon to run.`,
		Example: `  execai run "list the files in /tmp"
  execai run --raw "df -h"
  execai run --cron "0 2 * * *" --tz Europe/Berlin "backup my home directory"
  execai run --at "in 2 hours" "remind me to stretch"`,
		Args: usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, strings.Join(args, " "), opts)
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&opts.force, "force", "f", false, "skip confirmation prompts (the bypass is audited)")
	f.BoolVarP(&opts.dryRun, "dry-run", "d", false, "show what would run without running or scheduling it")
	f.BoolVarP(&opts.schedule, "schedule", "s", false, "schedule instead of running now")
	f.StringVar(&opts.cron, "cron", "", "cron expression (5 or 6 fields, or @daily, @every 90s)")
	f.StringVar(&opts.at, "at", "", `one-shot time: RFC3339, "2006-01-02 15:04", "15:04" or "in N minutes"`)
	f.StringVar(&opts.tz, "tz", "", "IANA timezone for --cron and --at (default scheduler.default_timezone)")
	f.IntVar(&opts.maxRuns, "max-runs", 0, "complete a recurring job after N runs (0 = unlimited)")
	f.BoolVar(&opts.raw, "raw", false, "treat the request as the command itself, without the resolver")
	return cmd
}

func (a *app) run(cmd *cobra.Command, text string, opts *runOptions) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	var resolver ai.Resolver = ai.Literal{}
	if !opts.raw {
		if a.cfg.AI.APIKey == "" {
			return errors.WithHint(
				errors.Mark(errors.New("no API key configured"), errors.ErrResolution),
				"set OPENAI_API_KEY, or pass the command itself with --raw")
		}
		resolver = newResolver(a.cfg.AI)
	}

	gate := terminal.NewGate(cmd.InOrStdin(), out, a.cfg.Security.ConfirmTimeout, store, a.logger)
	executor := execution.NewExecutor(a.cfg.Execution, a.logger)
	engine := core.NewEngine(resolver, security.NewValidator(a.cfg.Security), executor, gate,
		core.Config{
			ResolveTimeout:  a.cfg.AI.Timeout,
			CommandTimeout:  a.cfg.Execution.Timeout,
			DefaultTimezone: a.cfg.Scheduler.DefaultTimezone,
		},
		core.WithStore(store),
		core.WithLogger(a.logger),
	)

	if !opts.raw {
		pterm.Info.WithWriter(out).Println("Thinking...")
	}
	outcome, err := engine.Process(ctx, text, core.Options{
		Force:    opts.force,
		DryRun:   opts.dryRun,
		Schedule: opts.schedule,
		Cron:     opts.cron,
		At:       opts.at,
		Timezone: opts.tz,
		MaxRuns:  opts.maxRuns,
		OnPlan:   func(o *core.Outcome) { printPlan(out, o, !opts.raw) },
		OnResult: func(res *execution.Result) { printResult(out, res) },
	})
	if outcome == nil {
		return err
	}
	if outcome.Job != nil {
		printJob(out, outcome)
	} else if err == nil && outcome.DryRun {
		pterm.Info.WithWriter(out).Println("Dry run: nothing was executed")
	}
	return err
}

// newResolver picks the chat-completion backend named by ai.provider. The
// OpenAI model and endpoint defaults are not passed on to GLM.
func newResolver(cfg storage.AIConfig) ai.Resolver {
	if cfg.Provider == "glm" {
		model, baseURL := cfg.Model, cfg.BaseURL
		if strings.HasPrefix(model, "gpt-") {
			model = ""
		}
		if strings.Contains(baseURL, "api.openai.com") {
			baseURL = ""
		}
		return glm.NewClient(cfg.APIKey, model, baseURL, cfg.MaxTokens, cfg.Timeout)
	}
	return openai.NewClient(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.MaxTokens, cfg.Timeout)
}

// printPlan shows the resolver's reasoning and the verdict of each command
func printPlan(w io.Writer, outcome *core.Outcome, showReason bool) {
	if showReason && outcome.Request.Reason != "" {
		renderer, _ := terminal.NewRenderer(80)
		fmt.Fprint(w, renderer.Render("**Plan:** "+outcome.Request.Reason))
	}

	data := pterm.TableData{{"#", "COMMAND", "ALLOWED", "CONFIRM", "RISK", "REASON"}}
	for i, v := range outcome.Verdicts {
		data = append(data, []string{
			fmt.Sprintf("%d", i+1),
			outcome.Request.Commands[i],
			yesNo(v.Allowed),
			yesNo(v.RequiresConfirmation),
			v.Risk.String(),
			v.Reason,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(w).Render()
}

func printResult(w io.Writer, res *execution.Result) {
	fmt.Fprintf(w, "$ %s\n", res.Command)
	if res.Stdout != "" {
		fmt.Fprint(w, ensureNewline(res.Stdout))
	}
	if res.Stderr != "" {
		fmt.Fprint(w, ensureNewline(res.Stderr))
	}
	if res.StdoutTruncated || res.StderrTruncated {
		pterm.Warning.WithWriter(w).Println("output truncated")
	}

	took := res.Duration.Round(time.Millisecond)
	if res.Succeeded() {
		pterm.Success.WithWriter(w).Printfln("done in %s", took)
		return
	}
	pterm.Error.WithWriter(w).Printfln("%s (exit code %d) after %s", res.State, res.ExitCode, took)
}

func printJob(w io.Writer, outcome *core.Outcome) {
	job := outcome.Job
	if outcome.DryRun {
		pterm.Info.WithWriter(w).Printfln("Dry run: would schedule %q, %s, first run %s",
			job.Name, job.Schedule, job.NextRunAt.Local().Format(time.RFC3339))
		return
	}
	if job.State == jobs.StateCancelled {
		pterm.Warning.WithWriter(w).Printfln("Job %s was not scheduled", job.ShortID())
		return
	}
	if job.State != jobs.StateActive {
		return
	}
	pterm.Success.WithWriter(w).Printfln("Scheduled job %s", job.ShortID())
	fmt.Fprintf(w, "  schedule: %s\n  next run: %s\n", job.Schedule, job.NextRunAt.Local().Format(time.RFC3339))
	if job.MaxRuns > 0 {
		fmt.Fprintf(w, "  max runs: %d\n", job.MaxRuns)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
