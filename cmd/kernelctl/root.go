package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/GrayDragon82/lifecycle/internal/config"
	"github.com/GrayDragon82/lifecycle/internal/logging"
	"github.com/GrayDragon82/lifecycle/internal/telemetry"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	viper      *viper.Viper
	configFile string
	envFile    string

	cfg      *config.Config
	logger   *zap.Logger
	shutdown telemetry.ShutdownFunc
}

func newRootCmd() *cobra.Command {
	a := &app{viper: viper.New()}
	root := &cobra.Command{
		Use:           "kernelctl",
		Short:         "Run and inspect a lifecycle container",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return a.teardown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configFile, "config", "c", "", "config file (YAML)")
	flags.StringVar(&a.envFile, "env-file", "", "env file to load (default .env when present)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "json", "log format: json or console")
	flags.Bool("trace", false, "export kernel spans to stderr")
	flags.StringP("manifest", "m", "", "component manifest (YAML)")

	root.AddCommand(newRunCmd(a), newPlanCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := config.BindFlags(cmd, a.viper); err != nil {
		return errors.Wrap(err, "bind flags")
	}
	cfg, err := config.Load(a.viper, config.Sources{ConfigFile: a.configFile, EnvFile: a.envFile})
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	shutdown, err := telemetry.Setup("kernelctl", cfg.Trace, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.shutdown = cfg, logger, shutdown
	return nil
}

func (a *app) teardown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	if a.shutdown != nil {
		err = a.shutdown(ctx)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return err
}

func (a *app) manifestPath() (string, error) {
	if a.cfg.ManifestPath == "" {
		return "", errors.WithHint(errors.New("no manifest given"), "pass --manifest or set LIFECYCLE_MANIFEST")
	}
	return a.cfg.ManifestPath, nil
}
