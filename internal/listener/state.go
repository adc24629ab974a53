// Package listener implements C9, the orchestrator listener: per-worker
// result-file watchers, a task/worker state table, timeout and
// worker-health monitors, and restart-safe state persistence. Grounded
// end to end on original_source's tools/orchestrator_listener.py.
package listener

import (
	"encoding/json"
	"time"

	"github.com/codehornets/agentrt/internal/protocol"
)

// TaskState tracks one task's lifecycle across workers.
type TaskState struct {
	TaskID      string     `json:"task_id"`
	Worker      string     `json:"worker"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      string     `json:"status"`
	ResultFile  string     `json:"result_file,omitempty"`
	Attempts    int        `json:"attempts"`
}

// WorkerState tracks one worker's health and activity.
type WorkerState struct {
	Name           string    `json:"name"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitempty"`
	ActiveTasks    map[string]struct{} `json:"-"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	IsHealthy      bool      `json:"is_healthy"`
}

// Stats mirrors original_source's cumulative stats block.
type Stats struct {
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	TimeoutTasks   int `json:"timeout_tasks"`
}

// persistedState is the JSON shape written to state_file, the
// "orchestrator persisted-state envelope" SPEC_FULL.md §3 adds.
type persistedState struct {
	Tasks     []persistedTask `json:"tasks"`
	Stats     Stats           `json:"stats"`
	Timestamp string          `json:"timestamp"`
}

type persistedTask struct {
	TaskID      string     `json:"task_id"`
	Worker      string     `json:"worker"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Status      string     `json:"status"`
	ResultFile  string     `json:"result_file,omitempty"`
	Attempts    int        `json:"attempts"`
}

// loadState reads persisted state from path. A missing file is not an
// error — it means this is the first run.
func loadState(path string) (map[string]*TaskState, Stats, error) {
	tasks := make(map[string]*TaskState)
	stats := Stats{}

	data, err := readFileIfExists(path)
	if err != nil {
		return tasks, stats, err
	}
	if data == nil {
		return tasks, stats, nil
	}

	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return tasks, stats, err
	}
	for _, t := range ps.Tasks {
		tasks[t.TaskID] = &TaskState{
			TaskID:      t.TaskID,
			Worker:      t.Worker,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			Status:      t.Status,
			ResultFile:  t.ResultFile,
			Attempts:    t.Attempts,
		}
	}
	stats = ps.Stats
	return tasks, stats, nil
}

// saveState atomically persists tasks and stats to path, grounded on
// akatz-ai-meow's StatePersister.SaveState (temp file + os.Rename).
func saveState(path string, tasks map[string]*TaskState, stats Stats) error {
	ps := persistedState{
		Stats:     stats,
		Timestamp: protocol.Now(),
	}
	for _, t := range tasks {
		ps.Tasks = append(ps.Tasks, persistedTask{
			TaskID:      t.TaskID,
			Worker:      t.Worker,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			Status:      t.Status,
			ResultFile:  t.ResultFile,
			Attempts:    t.Attempts,
		})
	}
	return protocol.WriteJSONAtomic(path, ps)
}
