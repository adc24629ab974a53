package listener

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codehornets/agentrt/internal/config"
	"github.com/codehornets/agentrt/internal/metrics"
	"github.com/codehornets/agentrt/internal/protocol"
)

func newTestListener(t *testing.T, workers []string) (*Listener, *config.OrchestratorConfig) {
	t.Helper()
	base := t.TempDir()
	cfg := &config.OrchestratorConfig{
		Workers:           workers,
		BaseDir:           base,
		ResultDir:         filepath.Join(base, "results"),
		TriggerDir:        filepath.Join(base, "triggers"),
		PipeDir:           filepath.Join(base, "pipes"),
		StateFile:         filepath.Join(base, "state.json"),
		PollInterval:      time.Second,
		CompletionTimeout: time.Minute,
	}
	require.NoError(t, os.MkdirAll(filepath.Join(base, "heartbeats"), 0o755))
	for _, w := range workers {
		require.NoError(t, os.MkdirAll(filepath.Join(cfg.ResultDir, w), 0o755))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.TriggerDir, "orchestrator"), 0o755))

	l, err := New(cfg, zerolog.Nop(), metrics.NoopSink{})
	require.NoError(t, err)
	return l, cfg
}

func TestNewListenerRestoresPersistedState(t *testing.T) {
	base := t.TempDir()
	cfg := &config.OrchestratorConfig{
		Workers:   []string{"worker-a"},
		BaseDir:   base,
		ResultDir: filepath.Join(base, "results"),
		StateFile: filepath.Join(base, "state.json"),
	}
	now := time.Now().Truncate(time.Second)
	require.NoError(t, saveState(cfg.StateFile, map[string]*TaskState{
		"t1": {TaskID: "t1", Worker: "worker-a", CreatedAt: now, Status: "completed"},
	}, Stats{TotalTasks: 1, CompletedTasks: 1}))

	l, err := New(cfg, zerolog.Nop(), metrics.NoopSink{})
	require.NoError(t, err)

	assert.Contains(t, l.tasks, "t1")
	assert.Equal(t, 1, l.stats.TotalTasks)
}

func TestProcessResultFileUpdatesTaskAndWorkerState(t *testing.T) {
	l, cfg := newTestListener(t, []string{"worker-a"})

	resultPath := filepath.Join(cfg.ResultDir, "worker-a", "task-1.json")
	require.NoError(t, protocol.WriteJSONAtomic(resultPath, protocol.ResultEnvelope{
		TaskID: "task-1",
		Worker: "worker-a",
		Status: protocol.StatusCompleted,
	}))

	l.processResultFile(resultPath)

	l.mu.Lock()
	task := l.tasks["task-1"]
	worker := l.workers["worker-a"]
	stats := l.stats
	l.mu.Unlock()

	require.NotNil(t, task)
	assert.Equal(t, protocol.StatusCompleted, task.Status)
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, 1, worker.CompletedTasks)
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 1, stats.TotalTasks)

	// notifyOrchestrator should have dropped an event trigger file.
	entries, err := os.ReadDir(filepath.Join(cfg.TriggerDir, "orchestrator"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProcessResultFileIgnoresInvalidEnvelope(t *testing.T) {
	l, cfg := newTestListener(t, []string{"worker-a"})

	resultPath := filepath.Join(cfg.ResultDir, "worker-a", "bad.json")
	require.NoError(t, protocol.WriteJSONAtomic(resultPath, protocol.ResultEnvelope{Status: protocol.StatusCompleted}))

	l.processResultFile(resultPath)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.tasks)
}

func TestCheckOneWorkerHealthTransitionsOnStaleHeartbeat(t *testing.T) {
	l, cfg := newTestListener(t, []string{"worker-a"})
	heartbeatDir := filepath.Join(cfg.BaseDir, "heartbeats")

	fresh := protocol.HeartbeatFile{Worker: "worker-a", Timestamp: protocol.Now(), Status: "running"}
	require.NoError(t, protocol.WriteJSONAtomic(filepath.Join(heartbeatDir, "worker-a.json"), fresh))

	l.checkOneWorkerHealth("worker-a", heartbeatDir)
	l.mu.Lock()
	assert.True(t, l.workers["worker-a"].IsHealthy)
	l.mu.Unlock()

	stale := protocol.HeartbeatFile{
		Worker:    "worker-a",
		Timestamp: time.Now().Add(-time.Hour).UTC().Format(protocol.TimeFormat),
		Status:    "running",
	}
	require.NoError(t, protocol.WriteJSONAtomic(filepath.Join(heartbeatDir, "worker-a.json"), stale))

	l.checkOneWorkerHealth("worker-a", heartbeatDir)
	l.mu.Lock()
	assert.False(t, l.workers["worker-a"].IsHealthy)
	l.mu.Unlock()
}

func TestCheckOneWorkerHealthMissingFileIsUnhealthy(t *testing.T) {
	l, cfg := newTestListener(t, []string{"worker-a"})
	heartbeatDir := filepath.Join(cfg.BaseDir, "heartbeats")

	l.checkOneWorkerHealth("worker-a", heartbeatDir)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.False(t, l.workers["worker-a"].IsHealthy)
}

func TestSweepTimeoutsMarksStaleTasks(t *testing.T) {
	l, _ := newTestListener(t, []string{"worker-a"})
	l.cfg.CompletionTimeout = time.Hour

	l.mu.Lock()
	l.tasks["old"] = &TaskState{TaskID: "old", Worker: "worker-a", CreatedAt: time.Now().Add(-2 * time.Hour), Status: "pending"}
	l.tasks["fresh"] = &TaskState{TaskID: "fresh", Worker: "worker-a", CreatedAt: time.Now(), Status: "pending"}
	l.mu.Unlock()

	l.sweepTimeouts()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, "timeout", l.tasks["old"].Status)
	assert.Equal(t, "pending", l.tasks["fresh"].Status)
	assert.Equal(t, 1, l.stats.TimeoutTasks)
}

func TestPersistWritesStateFile(t *testing.T) {
	l, cfg := newTestListener(t, []string{"worker-a"})

	l.mu.Lock()
	l.tasks["t1"] = &TaskState{TaskID: "t1", Worker: "worker-a", CreatedAt: time.Now(), Status: "pending"}
	l.mu.Unlock()

	l.persist()

	tasks, _, err := loadState(cfg.StateFile)
	require.NoError(t, err)
	assert.Contains(t, tasks, "t1")
}
