package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/geisonfgf/execAI/internal/core/execution"
	"github.com/geisonfgf/execAI/internal/core/scheduler"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/geisonfgf/execAI/internal/metrics"
	"github.com/geisonfgf/execAI/internal/storage"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/spf13/cobra"
)

// pidFileName lives in the data directory while the daemon runs
const pidFileName = "execai.pid"

func pidFilePath(cfg *storage.Config) string {
	return filepath.Join(cfg.Dir, pidFileName)
}

// getDaemonCommand returns the daemon command
func getDaemonCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler in the foreground",
		Long: `Run the scheduler in the foreground until interrupted.

Jobs interrupted by a previous crash are recovered first. With metrics
enabled, /metrics and /healthz are served on metrics.listen_addr. Under
systemd (Type=notify) readiness and shutdown are reported to the manager.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.daemon(ctx)
		},
	}
}

func (a *app) daemon(ctx context.Context) error {
	log := a.logger.With().Str("component", "daemon").Logger()

	pidFile := pidFilePath(a.cfg)
	if err := acquirePIDFile(ctx, pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	executor := execution.NewExecutor(a.cfg.Execution, a.logger)
	sched := scheduler.New(store, executor, a.cfg.Scheduler,
		scheduler.WithMetrics(m),
		scheduler.WithLogger(a.logger),
	)

	// the loop must outlive ctx so Stop can drain in-flight runs
	if err := sched.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	var server *http.Server
	if a.cfg.Metrics.Enabled {
		server = metrics.NewServer(a.cfg.Metrics.ListenAddr, m, func() error {
			select {
			case <-sched.Done():
				if err := sched.Err(); err != nil {
					return err
				}
				return errors.New("scheduler stopped")
			default:
				return nil
			}
		})
		go func() {
			log.Info().Str("addr", server.Addr).Msg("serving metrics")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify ready")
	} else if sent {
		log.Debug().Msg("notified systemd")
	}
	log.Info().Int("pid", os.Getpid()).Str("database", a.cfg.Storage.Database).Msg("daemon running")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case <-sched.Done():
		log.Error().Err(sched.Err()).Msg("scheduler loop exited")
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Scheduler.ShutdownTimeout)
	defer cancel()

	stopErr := sched.Stop(shutdownCtx)
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("metrics server shutdown")
		}
	}

	if err := sched.Err(); err != nil {
		return err
	}
	return stopErr
}

// acquirePIDFile writes our pid, refusing when another daemon is alive.
// A pid file left by a dead process is replaced.
func acquirePIDFile(ctx context.Context, path string) error {
	if pid, err := readPIDFile(path); err == nil {
		alive, _ := process.PidExistsWithContext(ctx, pid)
		if alive && int(pid) != os.Getpid() {
			return errors.WithHintf(
				errors.Newf("daemon already running with pid %d", pid),
				"stop it first, or remove %s if it is stale", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create data directory")
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return errors.Wrap(err, "write pid file")
	}
	return nil
}

func readPIDFile(path string) (int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil || pid <= 0 {
		return 0, errors.Newf("invalid pid file %s", path)
	}
	return int32(pid), nil
}
