package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codehornets/agentrt/internal/lock"
	"github.com/codehornets/agentrt/internal/protocol"
)

// processTask runs one task file through the full pipeline: lock,
// existence recheck, parse/validate, circuit-breaker gate, trigger
// emission, execution, result publication, and success/retry/DLQ
// branching. Directly grounded on original_source's _process_task.
func (w *Watcher) processTask(ctx context.Context, path string) {
	taskID := strings.TrimSuffix(filepath.Base(path), ".json")

	fl := lock.New(path)
	if err := fl.Acquire(ctx, w.cfg.LockTimeout); err != nil {
		// Open Question resolution: a lock timeout is not treated as a
		// task failure and never reaches the DLQ — it relies on
		// fsnotify re-observation (the writer releases the lock when
		// its own attempt finishes) plus the mandatory polling
		// fallback to retry discovery.
		w.log.Error().Str("task_id", taskID).Err(err).Msg("lock timeout")
		return
	}
	defer fl.Release()

	if _, err := os.Stat(path); err != nil {
		w.log.Debug().Str("task_id", taskID).Msg("task file disappeared")
		return
	}

	task, err := w.readTaskFile(path)
	if err != nil {
		w.log.Error().Str("task_path", path).Err(err).Msg("invalid task file")
		w.moveToDLQRaw(path, "invalid_format")
		return
	}
	taskID = task.TaskID

	w.mu.Lock()
	w.activeTasks[taskID] = struct{}{}
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.activeTasks, taskID)
		w.mu.Unlock()
	}()

	if w.breaker.IsOpen() {
		w.log.Warn().Str("task_id", taskID).Msg("circuit breaker open, deferring task")
		w.sink.SetCircuitBreakerState(string(w.breaker.GetState()))
		time.Sleep(5 * time.Second)
		return
	}

	w.writeTrigger(taskID)

	w.sink.SetActiveTasks(w.ActiveTasks())
	start := time.Now()
	outcome := w.execute(ctx, task)
	duration := time.Since(start)

	switch outcome.Kind {
	case OutcomePipelineException:
		w.log.Error().Str("task_id", taskID).Err(outcome.Err).Msg("task execution error")
		w.statsMu.Lock()
		w.stats.TasksFailed++
		w.statsMu.Unlock()
		w.sink.TaskFailed("exception")
		w.moveToDLQRaw(path, fmt.Sprintf("exception: %v", outcome.Err))
		return
	case OutcomeSuccess:
		retryCount := w.getRetryCount(taskID)
		w.writeResult(taskID, protocol.StatusCompleted, outcome.ExitCode, outcome.Stdout, outcome.Stderr, duration, retryCount)
		w.sink.TaskCompleted(protocol.StatusCompleted, duration)
		w.recordSuccess(taskID, duration)
		os.Remove(path)
	case OutcomeFailure:
		retryCount := w.getRetryCount(taskID)
		w.writeResult(taskID, protocol.StatusFailed, outcome.ExitCode, outcome.Stdout, outcome.Stderr, duration, retryCount)
		w.sink.TaskCompleted(protocol.StatusFailed, duration)
		if retryCount < w.cfg.MaxRetries {
			w.scheduleRetry(ctx, path, taskID, retryCount)
		} else {
			w.statsMu.Lock()
			w.stats.TasksFailed++
			w.statsMu.Unlock()
			w.sink.TaskFailed("max_retries")
			w.moveToDLQRaw(path, "max_retries_exceeded")
		}
	}
}

func (w *Watcher) writeTrigger(taskID string) {
	trig := protocol.WorkerTrigger{
		TaskID:    taskID,
		Worker:    w.cfg.WorkerName,
		Status:    "received",
		Timestamp: protocol.Now(),
	}
	path := filepath.Join(w.cfg.TriggerDir, taskID+".trigger")
	if err := protocol.WriteJSONAtomic(path, trig); err != nil {
		w.log.Error().Str("task_id", taskID).Err(err).Msg("failed to write trigger file")
	}
}

func (w *Watcher) writeResult(taskID, status string, exitCode int, stdout, stderr string, duration time.Duration, retryCount int) {
	result := protocol.ResultEnvelope{
		TaskID:          taskID,
		Worker:          w.cfg.WorkerName,
		Status:          status,
		ExitCode:        exitCode,
		Stdout:          stdout,
		Stderr:          stderr,
		DurationSeconds: duration.Seconds(),
		Timestamp:       protocol.Now(),
		RetryCount:      retryCount,
	}
	path := filepath.Join(w.cfg.ResultDir, taskID+".json")
	if err := protocol.WriteJSONAtomic(path, result); err != nil {
		w.log.Error().Str("task_id", taskID).Err(err).Msg("failed to write result file")
		return
	}
	w.log.Info().Str("task_id", taskID).Str("status", status).Dur("duration", duration).Msg("result written")
}

func (w *Watcher) recordSuccess(taskID string, duration time.Duration) {
	w.statsMu.Lock()
	w.stats.TasksProcessed++
	w.statsMu.Unlock()
	w.breaker.RecordSuccess()
	w.sink.SetCircuitBreakerState(string(w.breaker.GetState()))
	w.clearRetryCount(taskID)
	w.log.Info().Str("task_id", taskID).Dur("duration", duration).Msg("task completed")
}

func (w *Watcher) scheduleRetry(ctx context.Context, path, taskID string, retryCount int) {
	w.statsMu.Lock()
	w.stats.TasksRetried++
	w.statsMu.Unlock()
	w.sink.TaskRetried()
	w.breaker.RecordFailure()
	w.sink.SetCircuitBreakerState(string(w.breaker.GetState()))

	w.setRetryCount(taskID, retryCount+1)
	delay := time.Duration(float64(w.cfg.InitialRetryDelay) * math.Pow(w.cfg.RetryBackoff, float64(retryCount)))

	w.log.Warn().Str("task_id", taskID).Int("retry_count", retryCount+1).Dur("delay", delay).Msg("task failed, scheduling retry")

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	w.enqueue(path)
}

// moveToDLQRaw reads the task file, annotates it with quarantine
// metadata, writes it under a fresh epoch-disambiguated name in the
// DLQ directory, and removes the original. Matches
// original_source's _move_to_dlq.
func (w *Watcher) moveToDLQRaw(path, reason string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Error().Str("task_path", path).Err(err).Msg("failed to read task for DLQ")
		}
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		raw = map[string]any{}
	}
	taskID, _ := raw["task_id"].(string)
	if taskID == "" {
		taskID = strings.TrimSuffix(filepath.Base(path), ".json")
	}

	raw["dlq_reason"] = reason
	raw["dlq_timestamp"] = protocol.Now()
	raw["retry_count"] = w.getRetryCount(taskID)

	dlqPath := filepath.Join(w.cfg.DLQDir, fmt.Sprintf("%s_%d.json", taskID, time.Now().Unix()))
	if err := protocol.WriteJSONAtomic(dlqPath, raw); err != nil {
		w.log.Error().Str("task_id", taskID).Err(err).Msg("failed to write DLQ file")
		return
	}
	os.Remove(path)

	w.statsMu.Lock()
	w.stats.TasksDLQ++
	w.statsMu.Unlock()
	w.sink.TaskDLQ()
	w.log.Warn().Str("task_id", taskID).Str("reason", reason).Msg("task moved to dead-letter queue")
}

func (w *Watcher) getRetryCount(taskID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.retryCounts[taskID]
}

func (w *Watcher) setRetryCount(taskID string, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.retryCounts[taskID] = n
}

func (w *Watcher) clearRetryCount(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.retryCounts, taskID)
}
