// Package protocol defines the on-disk schemas and atomic-write discipline
// shared between the worker watcher and the orchestrator listener. Nothing
// in this package runs a goroutine or holds state; it is pure data shapes
// plus the write-rename helper every other component relies on.
package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TimeFormat is the ISO-8601 UTC format used on every timestamp field in
// the shared protocol.
const TimeFormat = "2006-01-02T15:04:05.999999"

// TaskEnvelope is the producer-written file that requests one execution.
// Filename is always "<TaskID>.json".
type TaskEnvelope struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Timeout     int            `json:"timeout,omitempty"`
	Extra       map[string]any `json:"-"`
}

// taskEnvelopeAlias prevents infinite recursion in custom (Un)MarshalJSON.
type taskEnvelopeAlias TaskEnvelope

// UnmarshalJSON decodes the required fields plus preserves any
// producer-supplied fields the runtime does not understand, per the
// "additional fields are preserved but unused" rule in the task schema.
func (t *TaskEnvelope) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var alias taskEnvelopeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*t = TaskEnvelope(alias)

	delete(raw, "task_id")
	delete(raw, "description")
	delete(raw, "timeout")
	t.Extra = raw
	return nil
}

// Validate reports the fields required by the intake pipeline's parse step.
func (t *TaskEnvelope) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("missing required field: task_id")
	}
	if t.Description == "" {
		return fmt.Errorf("missing required field: description")
	}
	return nil
}

// Status values for ResultEnvelope.Status.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ResultEnvelope is the worker-written, atomically-published outcome of
// one task execution. Filename mirrors the task's filename.
type ResultEnvelope struct {
	TaskID          string  `json:"task_id"`
	Worker          string  `json:"worker"`
	Status          string  `json:"status"`
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	DurationSeconds float64 `json:"duration_seconds"`
	Timestamp       string  `json:"timestamp"`
	RetryCount      int     `json:"retry_count"`
}

// DLQEnvelope is a task envelope plus the quarantine metadata recorded
// when the runtime gives up on it. It is never overwritten; every DLQ
// write picks a fresh, epoch-disambiguated filename.
type DLQEnvelope struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description"`
	Timeout     int            `json:"timeout,omitempty"`
	DLQReason   string         `json:"dlq_reason"`
	DLQTime     string         `json:"dlq_timestamp"`
	RetryCount  int            `json:"retry_count"`
	Extra       map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside the known fields, mirroring the
// Python source's pattern of mutating the parsed task dict in place
// before writing it to the DLQ.
func (d DLQEnvelope) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range d.Extra {
		out[k] = v
	}
	out["task_id"] = d.TaskID
	out["description"] = d.Description
	if d.Timeout != 0 {
		out["timeout"] = d.Timeout
	}
	out["dlq_reason"] = d.DLQReason
	out["dlq_timestamp"] = d.DLQTime
	out["retry_count"] = d.RetryCount
	return json.Marshal(out)
}

// HeartbeatStats is the cumulative counter block embedded in a heartbeat.
type HeartbeatStats struct {
	TasksProcessed int `json:"tasks_processed"`
	TasksFailed    int `json:"tasks_failed"`
	TasksRetried   int `json:"tasks_retried"`
	TasksDLQ       int `json:"tasks_dlq"`
}

// HostStats is the host CPU/RAM snapshot embedded in a worker's
// heartbeat, letting the orchestrator see load alongside queue depth.
type HostStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
	Busy       bool    `json:"busy"`
}

// HeartbeatFile is the liveness record each worker watcher rewrites
// atomically at a fixed cadence. The orchestrator listener reads these
// files but does not publish one of its own.
type HeartbeatFile struct {
	Worker              string         `json:"worker"`
	Timestamp           string         `json:"timestamp"`
	UptimeSeconds       float64        `json:"uptime_seconds"`
	QueueSize           int            `json:"queue_size"`
	ActiveTasks         int            `json:"active_tasks"`
	CircuitBreakerState string         `json:"circuit_breaker_state"`
	Stats               HeartbeatStats `json:"stats"`
	Host                *HostStats     `json:"host,omitempty"`
	Status              string         `json:"status"`
}

// OrchestratorEvent is the payload written by the listener into
// triggers/orchestrator/ to notify the external orchestrator of a
// task-level event.
type OrchestratorEvent struct {
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// WorkerTrigger is the "received" signal a watcher writes so external
// observers know a task is in flight.
type WorkerTrigger struct {
	TaskID    string `json:"task_id"`
	Worker    string `json:"worker"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Now returns the current instant formatted per TimeFormat. Centralized
// here so every envelope stamps timestamps identically.
func Now() string {
	return time.Now().UTC().Format(TimeFormat)
}

// WriteAtomic writes data to a sibling temp file in dir and renames it
// into place at path, so readers never observe a partial write. The
// temp name always carries a ".tmp" suffix so the discovery rule's
// "ignore .tmp" filter excludes it until the rename completes.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file %s: %w", tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return WriteAtomic(path, data, 0o644)
}

// IsTransient reports whether a filename should be ignored by consumers
// per the discovery rule: dotfiles, .tmp files, and .lock sidecars are
// never task, result, heartbeat, or trigger payloads.
func IsTransient(name string) bool {
	if name == "" {
		return true
	}
	if name[0] == '.' {
		return true
	}
	ext := filepath.Ext(name)
	return ext == ".tmp" || ext == ".lock"
}
