package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/codehornets/agentrt/internal/config"
	"github.com/codehornets/agentrt/internal/metrics"
	"github.com/codehornets/agentrt/internal/protocol"
)

const (
	healthCheckInterval = 10 * time.Second
	timeoutCheckInterval = 30 * time.Second
	statusInterval       = 60 * time.Second
	heartbeatStaleAge    = 30 * time.Second
)

// Listener is the orchestrator listener's full runtime.
type Listener struct {
	cfg    *config.OrchestratorConfig
	log    zerolog.Logger
	sink   metrics.Sink
	health *metrics.HealthChecker

	mu      sync.Mutex
	tasks   map[string]*TaskState
	workers map[string]*WorkerState
	stats   Stats

	startTime time.Time
}

// New builds a Listener, loading any persisted state from a prior run.
func New(cfg *config.OrchestratorConfig, log zerolog.Logger, sink metrics.Sink) (*Listener, error) {
	tasks, stats, err := loadState(cfg.StateFile)
	if err != nil {
		log.Error().Err(err).Msg("failed to load persisted state")
		tasks = make(map[string]*TaskState)
	}

	workers := make(map[string]*WorkerState, len(cfg.Workers))
	for _, name := range cfg.Workers {
		workers[name] = &WorkerState{Name: name, ActiveTasks: make(map[string]struct{})}
	}

	l := &Listener{
		cfg:       cfg,
		log:       log,
		sink:      sink,
		health:    metrics.NewHealthChecker(resultWatcherNames(cfg.Workers)...),
		tasks:     tasks,
		workers:   workers,
		stats:     stats,
		startTime: time.Now(),
	}
	l.log.Info().Strs("workers", cfg.Workers).Int("restored_tasks", len(tasks)).Msg("orchestrator listener initialized")
	return l, nil
}

func resultWatcherNames(workers []string) []string {
	names := make([]string, len(workers))
	for i, w := range workers {
		names[i] = "result_watcher_" + w
	}
	return names
}

// HealthChecker exposes the listener's health registry.
func (l *Listener) HealthChecker() *metrics.HealthChecker { return l.health }

// Run starts one fsnotify watcher per worker result directory plus the
// health monitor, timeout sweeper, and periodic status logger, and
// blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Info().Msg("starting orchestrator listener")

	var wg sync.WaitGroup

	for _, worker := range l.cfg.Workers {
		dir := filepath.Join(l.cfg.ResultDir, worker)
		fsWatcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating result watcher for %s: %w", worker, err)
		}
		if err := fsWatcher.Add(dir); err != nil {
			fsWatcher.Close()
			return fmt.Errorf("watching result dir %s: %w", dir, err)
		}
		l.health.Set("result_watcher_"+worker, true, "")

		wg.Add(1)
		go func(worker string, w *fsnotify.Watcher) {
			defer wg.Done()
			defer w.Close()
			l.watchResults(ctx, worker, w)
		}(worker, fsWatcher)

		wg.Add(1)
		go func(worker, dir string) {
			defer wg.Done()
			l.pollResults(ctx, worker, dir)
		}(worker, dir)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.checkWorkerHealth(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.monitorTimeouts(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		l.printStatus(ctx)
	}()

	l.log.Info().Msg("orchestrator listener ready")

	<-ctx.Done()
	l.log.Info().Msg("shutting down orchestrator listener")
	wg.Wait()

	l.persist()

	l.mu.Lock()
	stats := l.stats
	l.mu.Unlock()
	l.log.Info().
		Float64("uptime_seconds", time.Since(l.startTime).Seconds()).
		Int("total_tasks", stats.TotalTasks).
		Int("completed", stats.CompletedTasks).
		Int("failed", stats.FailedTasks).
		Int("timeout", stats.TimeoutTasks).
		Msg("shutdown complete")
	return nil
}

func (l *Listener) watchResults(ctx context.Context, worker string, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if strings.HasSuffix(event.Name, ".json") {
				l.processResultFile(event.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.log.Error().Err(err).Str("worker", worker).Msg("result watcher error")
		}
	}
}

// pollResults is the mandatory reconciliation scan, same rationale as
// the worker watcher's pollFallback.
func (l *Listener) pollResults(ctx context.Context, worker, dir string) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if entry.IsDir() || protocol.IsTransient(entry.Name()) || !strings.HasSuffix(entry.Name(), ".json") {
					continue
				}
				l.processResultFile(filepath.Join(dir, entry.Name()))
			}
		}
	}
}

func (l *Listener) processResultFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var result protocol.ResultEnvelope
	if err := json.Unmarshal(data, &result); err != nil {
		l.log.Error().Str("result_path", path).Err(err).Msg("invalid JSON in result file")
		return
	}
	if result.TaskID == "" || result.Worker == "" {
		l.log.Error().Str("result_path", path).Msg("invalid result file")
		return
	}

	l.mu.Lock()
	task, exists := l.tasks[result.TaskID]
	if exists && task.CompletedAt != nil && task.ResultFile == path && task.Status == result.Status {
		// Already recorded (seen again by an event or a reconciliation scan).
		l.mu.Unlock()
		return
	}
	if !exists {
		task = &TaskState{TaskID: result.TaskID, Worker: result.Worker, CreatedAt: time.Now(), Status: "pending"}
		l.tasks[result.TaskID] = task
		l.stats.TotalTasks++
	}
	now := time.Now()
	task.CompletedAt = &now
	task.Status = result.Status
	task.ResultFile = path

	if worker, ok := l.workers[result.Worker]; ok {
		delete(worker.ActiveTasks, result.TaskID)
		switch result.Status {
		case protocol.StatusCompleted:
			worker.CompletedTasks++
			l.stats.CompletedTasks++
		case protocol.StatusFailed:
			worker.FailedTasks++
			l.stats.FailedTasks++
		}
	}
	duration := task.CompletedAt.Sub(task.CreatedAt)
	l.mu.Unlock()

	l.log.Info().Str("task_id", result.TaskID).Str("worker", result.Worker).Str("status", result.Status).Dur("duration", duration).Msg("task completed")

	l.persist()
	l.notifyOrchestrator("task_completed", map[string]any{
		"task_id":         result.TaskID,
		"worker":          result.Worker,
		"status":          result.Status,
		"result_file":     path,
		"duration_seconds": duration.Seconds(),
	})
}

// notifyOrchestrator writes an event trigger file, grounded on
// original_source's _notify_orchestrator.
func (l *Listener) notifyOrchestrator(eventType string, data map[string]any) {
	dir := filepath.Join(l.cfg.TriggerDir, "orchestrator")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.log.Error().Err(err).Msg("failed to create orchestrator trigger dir")
		return
	}
	event := protocol.OrchestratorEvent{
		EventType: eventType,
		Timestamp: protocol.Now(),
		Data:      data,
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.json", eventType, time.Now().UnixMilli()))
	if err := protocol.WriteJSONAtomic(path, event); err != nil {
		l.log.Error().Err(err).Str("event_type", eventType).Msg("failed to notify orchestrator")
	}
}

// checkWorkerHealth polls each worker's heartbeat file every 10s and
// flags it unhealthy once its heartbeat is older than 30s.
func (l *Listener) checkWorkerHealth(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	heartbeatDir := filepath.Join(filepath.Dir(l.cfg.ResultDir), "heartbeats")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range l.cfg.Workers {
				l.checkOneWorkerHealth(name, heartbeatDir)
			}
		}
	}
}

func (l *Listener) checkOneWorkerHealth(worker, heartbeatDir string) {
	path := filepath.Join(heartbeatDir, worker+".json")
	data, err := os.ReadFile(path)

	l.mu.Lock()
	defer l.mu.Unlock()
	ws := l.workers[worker]
	if ws == nil {
		return
	}

	if err != nil {
		ws.IsHealthy = false
		return
	}

	var hb protocol.HeartbeatFile
	if err := json.Unmarshal(data, &hb); err != nil {
		ws.IsHealthy = false
		return
	}
	ts, err := time.Parse(protocol.TimeFormat, hb.Timestamp)
	if err != nil {
		ws.IsHealthy = false
		return
	}
	ws.LastHeartbeat = ts
	wasHealthy := ws.IsHealthy
	ws.IsHealthy = time.Since(ts) < heartbeatStaleAge

	if wasHealthy && !ws.IsHealthy {
		l.log.Warn().Str("worker", worker).Dur("age", time.Since(ts)).Msg("worker unhealthy")
	} else if !wasHealthy && ws.IsHealthy {
		l.log.Info().Str("worker", worker).Msg("worker recovered")
	}
}

// monitorTimeouts sweeps pending tasks every 30s and marks any older
// than completion_timeout as timed out.
func (l *Listener) monitorTimeouts(ctx context.Context) {
	ticker := time.NewTicker(timeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepTimeouts()
		}
	}
}

func (l *Listener) sweepTimeouts() {
	threshold := time.Now().Add(-l.cfg.CompletionTimeout)

	var timedOut []TaskState
	l.mu.Lock()
	for _, task := range l.tasks {
		if task.Status == "pending" && task.CreatedAt.Before(threshold) {
			task.Status = "timeout"
			l.stats.TimeoutTasks++
			timedOut = append(timedOut, *task)
		}
	}
	l.mu.Unlock()

	for _, task := range timedOut {
		age := time.Since(task.CreatedAt)
		l.log.Warn().Str("task_id", task.TaskID).Str("worker", task.Worker).Dur("age", age).Msg("task timeout")
		l.notifyOrchestrator("task_timeout", map[string]any{
			"task_id":     task.TaskID,
			"worker":      task.Worker,
			"age_seconds": age.Seconds(),
		})
	}
}

// printStatus logs a periodic status summary, supplemented back from
// original_source's _print_status (the distillation dropped it).
func (l *Listener) printStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			pending := 0
			for _, t := range l.tasks {
				if t.Status == "pending" {
					pending++
				}
			}
			active := 0
			healthy := 0
			for _, w := range l.workers {
				active += len(w.ActiveTasks)
				if w.IsHealthy {
					healthy++
				}
			}
			stats := l.stats
			l.mu.Unlock()

			l.log.Info().
				Float64("uptime_seconds", time.Since(l.startTime).Seconds()).
				Str("healthy_workers", fmt.Sprintf("%d/%d", healthy, len(l.workers))).
				Int("pending_tasks", pending).
				Int("active_tasks", active).
				Int("completed", stats.CompletedTasks).
				Int("failed", stats.FailedTasks).
				Int("timeout", stats.TimeoutTasks).
				Msg("status summary")
		}
	}
}

func (l *Listener) persist() {
	l.mu.Lock()
	tasks := make(map[string]*TaskState, len(l.tasks))
	for k, v := range l.tasks {
		tCopy := *v
		tasks[k] = &tCopy
	}
	stats := l.stats
	l.mu.Unlock()

	if err := saveState(l.cfg.StateFile, tasks, stats); err != nil {
		l.log.Error().Err(err).Msg("failed to save state")
	}
}
