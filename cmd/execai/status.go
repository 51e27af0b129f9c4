package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/geisonfgf/execAI/internal/core/jobs"
	"github.com/pterm/pterm"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
)

// daemonInfo is what status reports about a running daemon
type daemonInfo struct {
	PID       int32
	Running   bool
	StartedAt time.Time
	CPU       float64
	RSS       uint64
	Children  []string
}

// getStatusCommand returns the status command
func getStatusCommand(a *app) *cobra.Command {
	var auditLimit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts, daemon health and recent audit events",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			printStats(out, stats)

			info, err := inspectDaemon(ctx, pidFilePath(a.cfg))
			if err != nil {
				a.logger.Debug().Err(err).Msg("inspect daemon")
			}
			printDaemon(out, info)

			if auditLimit > 0 {
				events, err := store.ListAudit(ctx, "", auditLimit)
				if err != nil {
					return err
				}
				printAudit(out, events)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&auditLimit, "audit", 10, "number of recent audit events to show (0 hides them)")
	return cmd
}

func printStats(w io.Writer, stats *jobs.Stats) {
	fmt.Fprintln(w, pterm.Bold.Sprint("Jobs"))
	data := pterm.TableData{{"STATE", "COUNT"}}
	for _, st := range jobs.AllStates {
		data = append(data, []string{string(st), fmt.Sprintf("%d", stats.ByState[st])})
	}
	data = append(data, []string{"total", fmt.Sprintf("%d", stats.Total)})
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(w).Render()

	if stats.NextExecution.IsZero() {
		fmt.Fprintln(w, "Next execution: none")
		return
	}
	id := stats.NextJobID
	if len(id) > 8 {
		id = id[:8]
	}
	fmt.Fprintf(w, "Next execution: %s (job %s, in %s)\n",
		stats.NextExecution.Local().Format(time.RFC3339), id,
		time.Until(stats.NextExecution).Round(time.Second))
}

// inspectDaemon reads the pid file and looks the process up. A missing pid
// file or a dead process is reported as not running, not as an error.
func inspectDaemon(ctx context.Context, pidFile string) (*daemonInfo, error) {
	pid, err := readPIDFile(pidFile)
	if err != nil {
		return nil, err
	}

	info := &daemonInfo{PID: pid}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return info, nil
	}
	if info.Running, err = p.IsRunningWithContext(ctx); err != nil || !info.Running {
		return info, err
	}

	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		info.StartedAt = time.UnixMilli(ms)
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		info.CPU = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		info.RSS = mem.RSS
	}
	children, _ := p.ChildrenWithContext(ctx)
	for _, child := range children {
		if cmdline, err := child.CmdlineWithContext(ctx); err == nil {
			info.Children = append(info.Children, fmt.Sprintf("%d %s", child.Pid, cmdline))
		}
	}
	return info, nil
}

func printDaemon(w io.Writer, info *daemonInfo) {
	fmt.Fprintln(w, pterm.Bold.Sprint("Daemon"))
	if info == nil || !info.Running {
		pterm.Warning.WithWriter(w).Println("not running (start it with 'execai daemon')")
		return
	}

	pterm.Success.WithWriter(w).Printfln("running, pid %d", info.PID)
	if !info.StartedAt.IsZero() {
		fmt.Fprintf(w, "  up since: %s\n", info.StartedAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  cpu: %.1f%%  rss: %s\n", info.CPU, formatBytes(info.RSS))
	if len(info.Children) == 0 {
		fmt.Fprintln(w, "  executing: nothing")
		return
	}
	fmt.Fprintln(w, "  executing:")
	for _, c := range info.Children {
		fmt.Fprintf(w, "    %s\n", c)
	}
}

func printAudit(w io.Writer, events []jobs.AuditEvent) {
	fmt.Fprintln(w, pterm.Bold.Sprint("Recent audit events"))
	if len(events) == 0 {
		fmt.Fprintln(w, "none")
		return
	}
	data := pterm.TableData{{"TIME", "KIND", "JOB", "COMMAND", "DETAIL"}}
	for _, ev := range events {
		job := ev.JobID
		if len(job) > 8 {
			job = job[:8]
		}
		data = append(data, []string{
			ev.At.Local().Format("2006-01-02 15:04:05"),
			ev.Kind,
			job,
			ev.Command,
			ev.Detail,
		})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).WithWriter(w).Render()
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
