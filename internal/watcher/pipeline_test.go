package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codehornets/agentrt/internal/breaker"
	"github.com/codehornets/agentrt/internal/config"
	"github.com/codehornets/agentrt/internal/metrics"
	"github.com/codehornets/agentrt/internal/protocol"
)

func newPipelineWatcher(t *testing.T, maxRetries int) (*Watcher, *config.WatcherConfig) {
	t.Helper()
	base := t.TempDir()
	cfg := &config.WatcherConfig{
		WorkerName:              "test-worker",
		TaskDir:                 filepath.Join(base, "tasks"),
		TriggerDir:              filepath.Join(base, "triggers"),
		ResultDir:               filepath.Join(base, "results"),
		DLQDir:                  filepath.Join(base, "dlq"),
		ClaudeCommand:           "testdata/fake_cli.sh",
		TaskTimeout:             2 * time.Second,
		LockTimeout:             time.Second,
		MaxRetries:              maxRetries,
		RetryBackoff:            1.0,
		InitialRetryDelay:       10 * time.Millisecond,
		CircuitBreakerThreshold: 100,
		CircuitBreakerTimeout:   time.Minute,
	}
	for _, dir := range []string{cfg.TaskDir, cfg.TriggerDir, cfg.ResultDir, cfg.DLQDir} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	w := New(cfg, zerolog.Nop(), metrics.NoopSink{})
	return w, cfg
}

func writeTaskFile(t *testing.T, cfg *config.WatcherConfig, taskID, description string) string {
	t.Helper()
	path := filepath.Join(cfg.TaskDir, taskID+".json")
	require.NoError(t, protocol.WriteJSONAtomic(path, protocol.TaskEnvelope{TaskID: taskID, Description: description}))
	return path
}

func TestProcessTaskSuccessWritesResultAndRemovesTaskFile(t *testing.T) {
	w, cfg := newPipelineWatcher(t, 3)
	path := writeTaskFile(t, cfg, "task-ok", "say hello")

	w.processTask(context.Background(), path)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "task file should be removed on success")

	resultPath := filepath.Join(cfg.ResultDir, "task-ok.json")
	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)

	var result protocol.ResultEnvelope
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, protocol.StatusCompleted, result.Status)
	assert.Equal(t, 0, result.ExitCode)
}

func TestProcessTaskMalformedJSONGoesToDLQ(t *testing.T) {
	w, cfg := newPipelineWatcher(t, 3)
	path := filepath.Join(cfg.TaskDir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	w.processTask(context.Background(), path)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(cfg.DLQDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "bad_")
}

func TestProcessTaskMaxRetriesExceededGoesToDLQ(t *testing.T) {
	w, cfg := newPipelineWatcher(t, 0)
	path := writeTaskFile(t, cfg, "task-fail", "FAIL always")

	w.processTask(context.Background(), path)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(cfg.DLQDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "task-fail_")

	resultPath := filepath.Join(cfg.ResultDir, "task-fail.json")
	data, err := os.ReadFile(resultPath)
	require.NoError(t, err)
	var result protocol.ResultEnvelope
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, protocol.StatusFailed, result.Status)
}

func TestProcessTaskFailureWithRetriesBudgetReenqueues(t *testing.T) {
	w, cfg := newPipelineWatcher(t, 2)
	path := writeTaskFile(t, cfg, "task-retry", "FAIL then retry")

	w.processTask(context.Background(), path)

	// Result and task file both persist — it's a retry, not a DLQ move.
	_, err := os.Stat(path)
	assert.NoError(t, err, "task file should remain for the retry path")

	dlqEntries, err := os.ReadDir(cfg.DLQDir)
	require.NoError(t, err)
	assert.Empty(t, dlqEntries)

	assert.Equal(t, 1, w.getRetryCount("task-retry"))

	select {
	case got := <-w.taskCh:
		assert.Equal(t, path, got)
	case <-time.After(time.Second):
		t.Fatal("expected task to be re-enqueued after scheduled retry")
	}
}

func TestProcessTaskCircuitBreakerOpenDefersTask(t *testing.T) {
	w, cfg := newPipelineWatcher(t, 3)
	w.breaker = breaker.New(1, time.Minute)
	w.breaker.RecordFailure() // opens the breaker

	path := writeTaskFile(t, cfg, "task-deferred", "should not run")

	done := make(chan struct{})
	go func() {
		w.processTask(context.Background(), path)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(7 * time.Second):
		t.Fatal("processTask did not return")
	}

	// The task file is untouched — neither executed nor quarantined.
	_, err := os.Stat(path)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.ResultDir, "task-deferred.json"))
	assert.True(t, os.IsNotExist(err))
}
