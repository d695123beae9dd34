// Package cli contains the Cobra commands of the queueview binary.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/rbaliyan/queueview/internal/config"
	"github.com/spf13/cobra"
)

// app carries what every command needs once flags are parsed.
type app struct {
	build      BuildFunc
	configPath string
	envFile    string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRoot constructs the root command. build is called by each command to
// obtain a connected view; pass Build outside of tests.
func NewRoot(build BuildFunc) *cobra.Command {
	a := &app{build: build}
	root := &cobra.Command{
		Use:           "queueview",
		Short:         "Browse and maintain mail queues",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("QUEUEVIEW_CONFIG"), "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before environment overrides")

	root.AddCommand(
		newBrowseCommand(a),
		newSizeCommand(a),
		newDeleteCommand(a),
		newAdvanceCommand(a),
		newHealthCommand(a),
		newServeCommand(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath, a.envFile)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

// withRuntime builds the runtime, runs fn and closes the runtime.
func (a *app) withRuntime(ctx context.Context, fn func(rt *Runtime) error) (err error) {
	rt, err := a.build(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("open view: %w", err)
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(rt)
}
