// Package commands implements the dvid command line tool.
package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gaborage/go-dvid/config"
	"github.com/gaborage/go-dvid/connection"
	"github.com/gaborage/go-dvid/dvid"
	"github.com/gaborage/go-dvid/logger"
	"github.com/gaborage/go-dvid/observability"
)

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigFile string
	Server     string
	LogLevel   string
}

func (g *GlobalOptions) bind(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVarP(&g.ConfigFile, "config", "c", "", "YAML configuration file (default ./dvid.yaml when present)")
	flags.StringVarP(&g.Server, "server", "s", "", "DVID server address, overrides client.server")
	flags.StringVar(&g.LogLevel, "log-level", "", "log level, overrides log.level")
}

// session bundles what a command needs to talk to DVID.
type session struct {
	server   *dvid.Server
	log      logger.Logger
	provider observability.Provider
}

func (g *GlobalOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.ConfigFile != "" {
		cfg, err = config.LoadFile(g.ConfigFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if g.Server != "" {
		cfg.Client.Server = g.Server
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setup loads configuration and builds the server façade. Logs and stdout
// telemetry go to the command's error stream so output stays parseable.
func (g *GlobalOptions) setup(cmd *cobra.Command) (*session, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	stderr := cmd.ErrOrStderr()
	log := logger.NewWithWriter(stderr, cfg.Log.Level, cfg.Log.Pretty, nil)

	obsCfg, err := observability.LoadConfig(cfg)
	if err != nil {
		return nil, err
	}
	provider, err := observability.NewProvider(obsCfg,
		observability.WithLogger(log),
		observability.WithStdoutWriter(stderr),
	)
	if err != nil {
		return nil, err
	}

	server, err := dvid.NewServerFromConfig(cfg, log, dvid.WithConnectionBuilder(func(b *connection.Builder) {
		b.WithTracerProvider(provider.TracerProvider()).
			WithMeterProvider(provider.MeterProvider())
	}))
	if err != nil {
		_ = observability.Shutdown(provider, observability.DefaultShutdownTimeout)
		return nil, err
	}

	return &session{server: server, log: log, provider: provider}, nil
}

func (s *session) close() {
	if err := observability.Shutdown(s.provider, observability.DefaultShutdownTimeout); err != nil {
		s.log.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// run wraps a command body with setup and teardown.
func (g *GlobalOptions) run(fn func(ctx context.Context, rt *session, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := g.setup(cmd)
		if err != nil {
			return err
		}
		defer rt.close()
		return fn(cmd.Context(), rt, cmd.OutOrStdout(), args)
	}
}
