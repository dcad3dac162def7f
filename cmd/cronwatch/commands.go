package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"cronwatch/internal/config"
	"cronwatch/internal/history"
	"cronwatch/internal/logging"
	"cronwatch/internal/monitor"
	"cronwatch/internal/notify"
	"cronwatch/internal/report"
	"cronwatch/internal/runner"
	"cronwatch/internal/server"
	"cronwatch/internal/storage"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "cronwatch",
		Short:         "Run configured checks once and publish their status history",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChecks(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to configuration file (YAML)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newRunCmd(opts),
		newReportCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute every check, update the history and write the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChecks(cmd.Context(), opts)
		},
	}
}

func newReportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Regenerate the report from the stored history without running checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			mon, err := buildMonitor(cfg, log)
			if err != nil {
				return err
			}
			summary, err := mon.Regenerate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report.StatusLine(summary))
			return nil
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the generated report over HTTP with live updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			srv := server.New(addr, cfg.OutputDir, log)

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("server shutdown")
				}
			}()

			if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address for the web server")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "cronwatch", version)
		},
	}
}

func setup(opts *rootOptions) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	log := logging.NewLogger(level, cfg.LogFormat).With().Str("run_id", uuid.NewString()).Logger()
	log.Debug().Str("config", opts.configPath).Int("commands", len(cfg.Commands)).Msg("configuration loaded")
	return cfg, log, nil
}

func runChecks(ctx context.Context, opts *rootOptions) error {
	cfg, log, err := setup(opts)
	if err != nil {
		return err
	}
	mon, err := buildMonitor(cfg, log)
	if err != nil {
		return err
	}
	_, err = mon.RunOnce(ctx)
	return err
}

func buildMonitor(cfg config.Config, log zerolog.Logger) (*monitor.Monitor, error) {
	files, err := storage.NewFileStore(cfg.HistoryFile, cfg.LockTimeout.Std(), log)
	if err != nil {
		return nil, fmt.Errorf("initialise storage: %w", err)
	}

	exec := runner.New(runner.Options{
		BaseEnv:        os.Environ(),
		MaxOutputBytes: cfg.MaxOutputBytes,
		Workers:        cfg.Workers,
		Logger:         log,
	})

	policy := notify.Policy{
		RepeatInterval:   cfg.Notifications.RepeatInterval.Std(),
		NotifyOnRecovery: cfg.Notifications.NotifyOnSuccessAfterFailure,
	}
	engine := notify.NewEngine(policy, newSink(cfg, log), cfg.Notifications.DeliveryTimeout.Std(), log)

	return monitor.New(monitor.Options{
		Commands: cfg.Commands,
		Retention: history.Retention{
			Minutes: cfg.Retention.Minutes,
			Hours:   cfg.Retention.Hours,
			Days:    cfg.Retention.Days,
		},
		Executor:    exec,
		Storage:     files,
		Engine:      engine,
		Reports:     report.NewGenerator(cfg.OutputDir, cfg.Name, log),
		MetricsFile: cfg.MetricsFile,
		Logger:      log,
	}), nil
}

func newSink(cfg config.Config, log zerolog.Logger) notify.Sink {
	p := cfg.Notifications.Pushover
	if p == nil {
		return notify.LogSink{Logger: log}
	}
	return notify.NewPushoverSink(p.User, p.Token, p.URL)
}
