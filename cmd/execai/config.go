package main

import (
	"os"

	"github.com/geisonfgf/execAI/internal/errors"
	"github.com/geisonfgf/execAI/internal/storage"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

// getConfigCommand returns the config command
func getConfigCommand(a *app) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print the effective configuration as YAML: defaults, the config file and
EXECAI_* environment variables merged. The API key is masked.

With --init, write the effective configuration to the config file if none exists.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if write {
				return initConfigFile(a, cmd)
			}

			data, err := a.cfg.YAML(true)
			if err != nil {
				return errors.Wrap(err, "render config")
			}
			if a.cfg.File != "" {
				pterm.Info.WithWriter(out).Printfln("config file: %s", a.cfg.File)
			}
			_, err = out.Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&write, "init", false, "write the config file if it does not exist")
	return cmd
}

func initConfigFile(a *app, cmd *cobra.Command) error {
	path := a.configPath
	if a.cfg.File != "" {
		path = a.cfg.File
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return errors.WithHint(errors.Newf("%s already exists", path), "edit it, or remove it and run again")
		}
	}

	written, err := storage.SaveConfig(a.cfg, path)
	if err != nil {
		return err
	}
	pterm.Success.WithWriter(cmd.OutOrStdout()).Printfln("wrote %s", written)
	return nil
}
