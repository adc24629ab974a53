// Package watcher implements C8, the worker watcher: fsnotify-driven
// intake with a polling fallback, bounded-concurrency execution,
// exponential-backoff retry, circuit-breaker gating, and dead-letter
// quarantine. Grounded end to end on original_source's
// tools/worker_watcher.py, with the fsnotify event-loop shape borrowed
// from other_examples/kylesnowschwartz-tail-claude's watcher.go and the
// buffered-channel concurrency bound from
// other_examples/maumercado-task-queue-go's worker pool.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/codehornets/agentrt/internal/breaker"
	"github.com/codehornets/agentrt/internal/config"
	"github.com/codehornets/agentrt/internal/heartbeat"
	"github.com/codehornets/agentrt/internal/hoststats"
	"github.com/codehornets/agentrt/internal/lock"
	"github.com/codehornets/agentrt/internal/logging"
	"github.com/codehornets/agentrt/internal/metrics"
	"github.com/codehornets/agentrt/internal/protocol"
)

// Watcher is one worker's full runtime: intake, pipeline, and the
// ambient heartbeat/metrics/health surfaces that observe it. No field
// here is a package-level global — every goroutine it spawns closes
// over this one instance, per spec.md §9's "no global mutable state"
// note.
type Watcher struct {
	cfg     *config.WatcherConfig
	log     zerolog.Logger
	sink    metrics.Sink
	health  *metrics.HealthChecker
	breaker *breaker.Breaker

	taskCh chan string

	mu          sync.Mutex
	retryCounts map[string]int
	activeTasks map[string]struct{}

	stats      protocol.HeartbeatStats
	statsMu    sync.Mutex
	queueSize  int32
	shutdown   atomic.Bool
	startTime  time.Time
}

// New builds a Watcher ready to Run.
func New(cfg *config.WatcherConfig, log zerolog.Logger, sink metrics.Sink) *Watcher {
	return &Watcher{
		cfg:         cfg,
		log:         logging.WithWorker(log, cfg.WorkerName),
		sink:        sink,
		health:      metrics.NewHealthChecker("file_watcher", "heartbeat"),
		breaker:     breaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout),
		taskCh:      make(chan string, 4096),
		retryCounts: make(map[string]int),
		activeTasks: make(map[string]struct{}),
		startTime:   time.Now(),
	}
}

// HealthChecker exposes the watcher's health registry for the CLI to
// mount alongside the metrics endpoint.
func (w *Watcher) HealthChecker() *metrics.HealthChecker { return w.health }

// QueueSize implements heartbeat.StateProvider.
func (w *Watcher) QueueSize() int { return int(atomic.LoadInt32(&w.queueSize)) }

// ActiveTasks implements heartbeat.StateProvider.
func (w *Watcher) ActiveTasks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.activeTasks)
}

// Stats implements heartbeat.StateProvider.
func (w *Watcher) Stats() protocol.HeartbeatStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return w.stats
}

// Run starts the file watcher, the polling fallback, the worker pool,
// and the heartbeat publisher, then blocks until ctx is cancelled. On a
// normal return the intake and pool goroutines have exited; the heartbeat
// goroutine is not waited for and stops on its own once ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info().Str("task_dir", w.cfg.TaskDir).Int("max_concurrent", w.cfg.MaxConcurrentTasks).Msg("starting worker watcher")

	hb := heartbeat.New(w.cfg.WorkerName, w.cfg.HeartbeatDir, w.cfg.HeartbeatInterval, w, w.breaker, hoststats.New(), w.log)
	hb.Start(ctx)
	w.health.Set("heartbeat", true, "")

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsWatcher.Close()

	if err := fsWatcher.Add(w.cfg.TaskDir); err != nil {
		return fmt.Errorf("watching task dir %s: %w", w.cfg.TaskDir, err)
	}
	w.health.Set("file_watcher", true, "")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.watchEvents(ctx, fsWatcher)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.pollFallback(ctx)
	}()

	for i := 0; i < w.cfg.MaxConcurrentTasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.taskWorker(ctx)
		}()
	}

	// Reconcile any task files already on disk before fsnotify was armed.
	w.scanAndQueue()

	<-ctx.Done()
	w.shutdown.Store(true)
	w.log.Info().Msg("shutting down worker watcher")

	wg.Wait()

	stats := w.Stats()
	w.log.Info().
		Float64("uptime_seconds", time.Since(w.startTime).Seconds()).
		Int("tasks_processed", stats.TasksProcessed).
		Int("tasks_failed", stats.TasksFailed).
		Int("tasks_retried", stats.TasksRetried).
		Int("tasks_dlq", stats.TasksDLQ).
		Msg("shutdown complete")
	return nil
}

// watchEvents dispatches fsnotify Create/Write events for .json files
// into the task channel. Shaped after
// kylesnowschwartz-tail-claude/watcher.go's select-loop over
// Events/Errors/done, but without that case's debounce — a task file
// must be picked up on its first stable appearance, not coalesced.
func (w *Watcher) watchEvents(ctx context.Context, fsWatcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if strings.HasSuffix(event.Name, ".json") {
				w.enqueue(event.Name)
			}
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("file watcher error")
		}
	}
}

// pollFallback rescans the task directory at poll_interval. It is not
// optional: spec.md §9 requires a reconciliation scan in case events
// are coalesced or missed by the platform's notification backend.
func (w *Watcher) pollFallback(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scanAndQueue()
		}
	}
}

func (w *Watcher) scanAndQueue() {
	entries, err := os.ReadDir(w.cfg.TaskDir)
	if err != nil {
		w.log.Error().Err(err).Msg("scanning task directory")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.enqueue(filepath.Join(w.cfg.TaskDir, entry.Name()))
	}
}

// enqueue does a non-blocking send onto the task channel, matching
// original_source's _queue_task filter (ignore dotfiles/.tmp) and its
// tolerance for a task disappearing between discovery and processing.
func (w *Watcher) enqueue(path string) {
	name := filepath.Base(path)
	if protocol.IsTransient(name) {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	select {
	case w.taskCh <- path:
		atomic.AddInt32(&w.queueSize, 1)
		w.sink.SetQueueSize(w.QueueSize())
		w.sink.TaskReceived()
	default:
		w.log.Warn().Str("task_path", path).Msg("task channel full, dropping enqueue")
	}
}

// taskWorker pulls one task path at a time and runs it to completion,
// bounding concurrency to exactly one in-flight task per goroutine —
// cfg.MaxConcurrentTasks goroutines are started in Run, so that fixed
// pool is the concurrency bound and the buffered channel is only the
// queue, in the spirit of maumercado-task-queue-go's worker pool.
func (w *Watcher) taskWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-w.taskCh:
			if !ok {
				return
			}
			atomic.AddInt32(&w.queueSize, -1)
			w.processTask(ctx, path)
		}
	}
}

func (w *Watcher) readTaskFile(path string) (*protocol.TaskEnvelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var task protocol.TaskEnvelope
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}
	return &task, nil
}
