// Command workerwatcher runs one worker's file-watching task pipeline.
// CLI surface grounded on cuemby-warren/cmd/warren/main.go: a cobra
// rootCmd whose flags override configuration by setting the matching
// WATCHER_* environment variables before the config is loaded, and
// ldflags-injected version metadata.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/codehornets/agentrt/internal/config"
	"github.com/codehornets/agentrt/internal/logging"
	"github.com/codehornets/agentrt/internal/metrics"
	"github.com/codehornets/agentrt/internal/watcher"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workerwatcher <worker_name>",
		Short:   "Watch a task directory and execute tasks via an external CLI",
		Version: Version,
		Args:    cobra.ExactArgs(1),
		RunE:    runWorkerWatcher,
	}
	cmd.SetVersionTemplate(fmt.Sprintf("workerwatcher version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	cmd.Flags().Int("max-concurrent", 0, "Maximum concurrent tasks (overrides WATCHER_MAX_CONCURRENT_TASKS)")
	cmd.Flags().String("log-level", "", "Log level (overrides WATCHER_LOG_LEVEL)")
	cmd.Flags().String("log-format", "", "Log format: json or text (overrides WATCHER_LOG_FORMAT)")
	cmd.Flags().Int("metrics-port", 0, "Prometheus metrics port (overrides WATCHER_METRICS_PORT)")

	return cmd
}

func runWorkerWatcher(cmd *cobra.Command, args []string) error {
	workerName := args[0]

	if v, _ := cmd.Flags().GetInt("max-concurrent"); v > 0 {
		os.Setenv("WATCHER_MAX_CONCURRENT_TASKS", fmt.Sprint(v))
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		os.Setenv("WATCHER_LOG_LEVEL", v)
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		os.Setenv("WATCHER_LOG_FORMAT", v)
	}
	if v, _ := cmd.Flags().GetInt("metrics-port"); v > 0 {
		os.Setenv("WATCHER_METRICS_PORT", fmt.Sprint(v))
	}

	cfg, err := config.LoadWatcherConfig(workerName)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New("workerwatcher", logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	var sink metrics.Sink = metrics.NoopSink{}
	if cfg.EnableMetrics {
		sink = metrics.NewPromSink("agentrt_watcher")
	}

	w := watcher.New(cfg, log, sink)

	if cfg.EnableMetrics {
		go serveObservability(cfg.MetricsPort, sink, w.HealthChecker(), log)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return w.Run(ctx)
}

func serveObservability(port int, sink metrics.Sink, health *metrics.HealthChecker, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", sink.Handler())
	mux.HandleFunc("/healthz", health.LivenessHandler())
	mux.HandleFunc("/readyz", health.ReadinessHandler())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
		log.Error().Err(err).Msg("observability server stopped")
	}
}
