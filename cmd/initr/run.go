package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	initr "github.com/loykin/initr"
	"github.com/loykin/initr/internal/history"
)

// RunFlags holds flags for the run command.
type RunFlags struct {
	ConfigPath  string
	ServicesDir string
	LogLevel    string
	LogFormat   string
}

func newRunCmd() *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run [-- COMMAND [ARGS...]]",
		Short: "Run the supervisor",
		Long: `Run the supervisor over the configured services, or over a single
command given after "--" (one-shot init mode). The process exits 0 when
every service reached an expected terminal state, 1 when any service
permanently failed or could never start, 2 on configuration errors.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runSupervisor(flags, args)
			if err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err)
				os.Exit(initr.ExitInternalError)
			}
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "path to initr.toml")
	cmd.Flags().StringVar(&flags.ServicesDir, "services-dir", "", "directory of per-service TOML files")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().StringVar(&flags.LogFormat, "log-format", "", "log format: text, json, color")
	return cmd
}

func runSupervisor(flags *RunFlags, args []string) (int, error) {
	if len(args) > 0 {
		// One-shot mode: supervise exactly the given command.
		log := initr.NewLogger(flags.LogLevel, flags.LogFormat)
		sup, err := initr.FromCommand(strings.Join(args, " "), initr.WithLogger(log))
		if err != nil {
			return 0, err
		}
		return sup.Run(context.Background()), nil
	}

	var specs []initr.Spec
	opts := []initr.Option{}
	listen := ""
	serveMetrics := false
	logLevel, logFormat := flags.LogLevel, flags.LogFormat

	switch {
	case flags.ConfigPath != "":
		cfg, err := initr.LoadConfig(flags.ConfigPath)
		if err != nil {
			return 0, err
		}
		specs = cfg.Services
		if logLevel == "" {
			logLevel = cfg.File.Log.Level
		}
		if logFormat == "" {
			logFormat = cfg.File.Log.Format
		}
		genv, err := cfg.GlobalEnv()
		if err != nil {
			return 0, err
		}
		if len(genv) > 0 {
			opts = append(opts, initr.WithGlobalEnv(genv))
		}
		termSigs, err := cfg.TerminationSignals()
		if err != nil {
			return 0, err
		}
		if len(termSigs) > 0 {
			opts = append(opts, initr.WithTerminationSignals(termSigs))
		}
		fwdSigs, err := cfg.ForwardSignals()
		if err != nil {
			return 0, err
		}
		if len(fwdSigs) > 0 {
			opts = append(opts, initr.WithForwardSignals(fwdSigs))
		}
		var sinks []history.Sink
		for _, dsn := range cfg.File.History.Sinks {
			sink, err := initr.NewHistorySink(dsn)
			if err != nil {
				return 0, fmt.Errorf("history sink %s: %w", dsn, err)
			}
			sinks = append(sinks, sink)
		}
		if len(sinks) > 0 {
			opts = append(opts, initr.WithHistorySinks(sinks, cfg.File.History.Buffer))
		}
		listen = cfg.File.Listen
		serveMetrics = cfg.File.Metrics.Enabled
	case flags.ServicesDir != "":
		var err error
		specs, err = initr.LoadServicesDir(flags.ServicesDir)
		if err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("one of --config, --services-dir, or a command after -- is required")
	}

	log := initr.NewLogger(logLevel, logFormat)
	opts = append(opts, initr.WithLogger(log))

	sup, err := initr.New(specs, opts...)
	if err != nil {
		return 0, err
	}

	if serveMetrics {
		if err := initr.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return 0, err
		}
	}
	if listen != "" {
		srv, err := initr.NewHTTPServer(listen, sup, serveMetrics)
		if err != nil {
			return 0, err
		}
		defer func() { _ = srv.Close() }()
		log.Info("control API listening", "addr", listen)
	}

	return sup.Run(context.Background()), nil
}

func newValidateCmd() *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and the dependency graph without running",
		RunE: func(cmd *cobra.Command, args []string) error {
			var specs []initr.Spec
			switch {
			case flags.ConfigPath != "":
				cfg, err := initr.LoadConfig(flags.ConfigPath)
				if err != nil {
					return err
				}
				specs = cfg.Services
			case flags.ServicesDir != "":
				var err error
				specs, err = initr.LoadServicesDir(flags.ServicesDir)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("one of --config or --services-dir is required")
			}
			sup, err := initr.New(specs)
			if err != nil {
				return err
			}
			cmd.Printf("configuration valid: %d services\n", len(specs))
			cmd.Printf("start order: %s\n", strings.Join(sup.StartOrder(), ", "))
			return nil
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "", "path to initr.toml")
	cmd.Flags().StringVar(&flags.ServicesDir, "services-dir", "", "directory of per-service TOML files")
	return cmd
}
