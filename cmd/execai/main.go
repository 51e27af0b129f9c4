package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/geisonfgf/execAI/internal/core/jobs"
	"github.com/geisonfgf/execAI/internal/db"
	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/geisonfgf/execAI/internal/logging"
	"github.com/geisonfgf/execAI/internal/storage"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app is the state shared by every subcommand of one invocation
type app struct {
	configPath string
	verbose    bool
	debug      bool

	cfg       *storage.Config
	logger    zerolog.Logger
	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zerolog.Nop()}

	root := &cobra.Command{
		Use:   "execai",
		Short: "Natural-language command execution and scheduling",
		Long: `execai turns a free-form request into system commands, checks them against
the safety policy, and either runs them now or schedules them as jobs.

  execai run "show disk usage of my home directory"
  execai run --schedule "backup my home directory every night at 2am"
  execai daemon`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}

	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log progress at info level")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "log everything at debug level")
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default ~/.execai/config.yaml)")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.Mark(err, errors.ErrUsage)
	})

	root.AddCommand(
		getRunCommand(a),
		getSchedulesCommand(a),
		getPauseCommand(a),
		getResumeCommand(a),
		getCancelCommand(a),
		getStatusCommand(a),
		getConfigCommand(a),
		getDaemonCommand(a),
		getVersionCommand(),
	)
	return root
}

// setup loads the config snapshot and builds the logger
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	cfg, err := storage.InitConfig(a.configPath)
	if err != nil {
		return err
	}
	switch {
	case a.debug:
		cfg.Log.Level = "debug"
	case a.verbose:
		cfg.Log.Level = "info"
	}

	logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	a.logCloser = closer

	a.logger.Debug().Str("config", cfg.File).Str("data_dir", cfg.Dir).Msg("configuration loaded")
	return nil
}

// openStore opens the job database, applying pending migrations
func (a *app) openStore(ctx context.Context) (*jobs.SQLStore, error) {
	conn, err := db.Open(ctx, a.cfg.Storage.Database)
	if err != nil {
		return nil, errors.WithHintf(err, "database: %s", a.cfg.Storage.Database)
	}
	return jobs.NewStore(conn), nil
}

// usageArgs marks positional argument errors as usage errors
func usageArgs(validate cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := validate(cmd, args); err != nil {
			return errors.Mark(err, errors.ErrUsage)
		}
		return nil
	}
}

// classify marks the errors cobra raises itself before any command runs
func classify(err error) error {
	msg := err.Error()
	if strings.HasPrefix(msg, "unknown command") || strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") {
		return errors.Mark(err, errors.ErrUsage)
	}
	return err
}

func printError(w io.Writer, err error) {
	pterm.Error.WithWriter(w).Println(err.Error())
	for _, hint := range errors.GetAllHints(err) {
		fmt.Fprintf(w, "  hint: %s\n", hint)
	}
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		err = classify(err)
		printError(root.ErrOrStderr(), err)
		os.Exit(errors.ExitCode(err))
	}
}
