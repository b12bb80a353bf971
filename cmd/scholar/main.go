// Package main provides the scholar CLI entrypoint.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/joss/scholar/internal/client"
	"github.com/joss/scholar/internal/config"
	"github.com/joss/scholar/internal/conn"
	"github.com/joss/scholar/internal/logging"
	"github.com/joss/scholar/internal/metrics"
	"github.com/joss/scholar/internal/render"
	"github.com/joss/scholar/internal/runtime"
	"github.com/joss/scholar/internal/tui"
)

var (
	version = "0.1.0"
	pretty  = true
	plain   bool
	cfg     config.ScholarEnv
)

// errAgentReported makes the process exit 1 after output was printed.
var errAgentReported = errors.New("agent reported an error")

func main() {
	rootCmd := &cobra.Command{
		Use:   "scholar",
		Short: "Terminal client for the research paper agent",
		Long: `scholar streams the research agent's steps and answers over a websocket.

Usage modes:
  scholar              Interactive session (line mode when stdout is not a terminal)
  scholar ask <query>  Ask one question and exit
  scholar config       Show the effective configuration`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			cfg = *config.Env()
			applyFlags(cmd)

			if cfg.LogFile != "" && cfg.LogFile != "-" {
				_ = config.EnsureDir(config.GetPaths().Logs)
			}
			if err := logging.Init(logging.Options{
				File:  cfg.LogFile,
				Level: logging.Level(cfg.LogLevel),
			}); err != nil {
				fmt.Fprintf(os.Stderr, "warning: logging disabled: %v\n", err)
			}
			pretty = !plain && term.IsTerminal(int(os.Stdout.Fd()))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			sm := lifecycle()
			defer sm.Shutdown()
			if err := startMetrics(sm); err != nil {
				return err
			}

			if pretty {
				return tui.Run(sm.Context(), clientOptions())
			}
			return runLines(sm.Context(), os.Stdin)
		},
	}

	addFlags(rootCmd)

	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errAgentReported) {
			render.Stderr().Println("Error: %v", err)
		}
		os.Exit(1)
	}
}

// addFlags registers the persistent flags shared by every command.
func addFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("endpoint", "", "Agent websocket endpoint (SCHOLAR_ENDPOINT)")
	flags.Duration("reconnect-delay", 0, "Wait before reconnecting (SCHOLAR_RECONNECT_DELAY)")
	flags.Duration("timeout", 0, "Query idle timeout, 0 disables it; unset keeps SCHOLAR_QUERY_TIMEOUT")
	flags.String("log-file", "", "Log file, - for stderr (SCHOLAR_LOG_FILE)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (SCHOLAR_LOG_LEVEL)")
	flags.String("metrics-addr", "", "Serve /metrics on host:port (SCHOLAR_METRICS_ADDR)")
	flags.BoolVar(&plain, "plain", false, "Plain line output without colors or TUI")
}

// applyFlags overrides environment values with flags set on the
// command line.
func applyFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("endpoint") {
		cfg.Endpoint, _ = flags.GetString("endpoint")
	}
	if flags.Changed("reconnect-delay") {
		cfg.ReconnectDelay, _ = flags.GetDuration("reconnect-delay")
	}
	if flags.Changed("timeout") {
		cfg.QueryTimeout, _ = flags.GetDuration("timeout")
	}
	if flags.Changed("log-file") {
		cfg.LogFile, _ = flags.GetString("log-file")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
}

// startMetrics serves the client counters when an address is configured.
func startMetrics(sm *runtime.ShutdownManager) error {
	if cfg.MetricsAddr == "" {
		return nil
	}
	srv := metrics.NewServer(cfg.MetricsAddr, metrics.Global())
	if err := srv.Start(); err != nil {
		return err
	}
	sm.Register("metrics", srv.Stop)
	return nil
}

// lifecycle returns a shutdown manager whose context ends on SIGINT or
// SIGTERM.
func lifecycle() *runtime.ShutdownManager {
	sm := runtime.NewShutdownManager(runtime.DefaultShutdownTimeout)
	sm.ListenForSignals()
	sm.RegisterSimple("logging", logging.Sync)
	return sm
}

func clientOptions() client.Options {
	return client.Options{
		Endpoint:         cfg.Endpoint,
		ReconnectDelay:   cfg.ReconnectDelay,
		ReconnectOnClose: cfg.ReconnectOnClose,
		QueryTimeout:     cfg.QueryTimeout,
		Dialer: &conn.WebsocketDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			PingInterval:     cfg.PingInterval,
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			render.Stdout().Println("scholar %s", version)
		},
	}
}
