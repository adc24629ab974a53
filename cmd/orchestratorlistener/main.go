// Command orchestratorlistener aggregates results from every worker's
// result directory and notifies the external orchestrator of
// completions and timeouts. CLI surface grounded on
// cuemby-warren/cmd/warren/main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/codehornets/agentrt/internal/config"
	"github.com/codehornets/agentrt/internal/listener"
	"github.com/codehornets/agentrt/internal/logging"
	"github.com/codehornets/agentrt/internal/metrics"
)

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
		Use:     "orchestratorlistener",
		Short:   "Aggregate worker results and notify the orchestrator of completions",
		Version: Version,
		RunE:    runOrchestratorListener,
	}
	cmd.SetVersionTemplate(fmt.Sprintf("orchestratorlistener version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	cmd.Flags().String("poll-interval", "", "Result directory poll interval (overrides ORCHESTRATOR_POLL_INTERVAL)")
	cmd.Flags().String("log-level", "", "Log level (overrides ORCHESTRATOR_LOG_LEVEL)")
	cmd.Flags().String("log-format", "", "Log format: json or text (overrides ORCHESTRATOR_LOG_FORMAT)")
	cmd.Flags().StringSlice("workers", nil, "Worker names to monitor (overrides ORCHESTRATOR_WORKERS)")

	return cmd
}

func runOrchestratorListener(cmd *cobra.Command, args []string) error {
	if v, _ := cmd.Flags().GetString("poll-interval"); v != "" {
		os.Setenv("ORCHESTRATOR_POLL_INTERVAL", v)
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		os.Setenv("ORCHESTRATOR_LOG_LEVEL", v)
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		os.Setenv("ORCHESTRATOR_LOG_FORMAT", v)
	}
	if v, _ := cmd.Flags().GetStringSlice("workers"); len(v) > 0 {
		os.Setenv("ORCHESTRATOR_WORKERS", strings.Join(v, ","))
	}

	cfg, err := config.LoadOrchestratorConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New("orchestratorlistener", logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	var sink metrics.Sink = metrics.NoopSink{}
	if cfg.EnableMetrics {
		sink = metrics.NewPromSink("agentrt_listener")
	}

	l, err := listener.New(cfg, log, sink)
	if err != nil {
		return fmt.Errorf("building listener: %w", err)
	}

	if cfg.EnableMetrics {
		go serveObservability(cfg.MetricsPort, sink, l.HealthChecker(), log)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return l.Run(ctx)
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
