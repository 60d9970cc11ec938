package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/dspyvisor/internal/config"
	"github.com/loykin/dspyvisor/internal/deps"
)

func createCheckDepsCommand(flags *GlobalFlags) *cobra.Command {
	var noInstall bool
	cmd := &cobra.Command{
		Use:   "check-deps",
		Short: "Find a Python interpreter and verify the DSPy library locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return fmt.Errorf("error loading config: %w", err)
			}
			checker := depsChecker(cfg.Worker, noInstall)
			rt, err := checker.Check(cmd.Context(), cfg.Worker.Executable)
			if err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), rt)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noInstall, "no-install", false, "report a missing library instead of installing it")
	return cmd
}

func depsChecker(w config.Worker, noInstall bool) deps.Checker {
	c := deps.Checker{
		Candidates:     w.Runtime.Candidates,
		Library:        w.Runtime.Library,
		InstallPackage: w.Runtime.InstallPackage,
		ProbeTimeout:   10 * time.Second,
		InstallTimeout: w.Runtime.InstallTimeout,
		Logger:         slog.Default(),
	}
	if noInstall {
		c.InstallPackage = ""
	}
	return c
}
