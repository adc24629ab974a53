package protocol

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskEnvelopeUnmarshalPreservesExtra(t *testing.T) {
	raw := []byte(`{"task_id":"t1","description":"do a thing","timeout":30,"priority":"high","tags":["a","b"]}`)

	var task TaskEnvelope
	require.NoError(t, json.Unmarshal(raw, &task))

	assert.Equal(t, "t1", task.TaskID)
	assert.Equal(t, "do a thing", task.Description)
	assert.Equal(t, 30, task.Timeout)
	assert.Equal(t, "high", task.Extra["priority"])
	assert.Equal(t, []any{"a", "b"}, task.Extra["tags"])
	assert.NotContains(t, task.Extra, "task_id")
	assert.NotContains(t, task.Extra, "description")
	assert.NotContains(t, task.Extra, "timeout")
}

func TestTaskEnvelopeValidate(t *testing.T) {
	cases := []struct {
		name    string
		task    TaskEnvelope
		wantErr bool
	}{
		{"valid", TaskEnvelope{TaskID: "t1", Description: "x"}, false},
		{"missing task_id", TaskEnvelope{Description: "x"}, true},
		{"missing description", TaskEnvelope{TaskID: "t1"}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.task.Validate()
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDLQEnvelopeMarshalFlattensExtra(t *testing.T) {
	d := DLQEnvelope{
		TaskID:      "t1",
		Description: "do a thing",
		DLQReason:   "max retries exceeded",
		DLQTime:     "2026-01-01T00:00:00.000000",
		RetryCount:  3,
		Extra:       map[string]any{"priority": "high"},
	}

	data, err := json.Marshal(d)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, "t1", out["task_id"])
	assert.Equal(t, "do a thing", out["description"])
	assert.Equal(t, "max retries exceeded", out["dlq_reason"])
	assert.Equal(t, "high", out["priority"])
	assert.Equal(t, float64(3), out["retry_count"])
	assert.NotContains(t, out, "timeout")
}

func TestWriteAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	type payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, WriteJSONAtomic(path, payload{Name: "hello"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got payload
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "hello", got.Name)

	// No leftover temp files after a successful write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "out.json", entries[0].Name())
}

func TestWriteAtomicOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")

	require.NoError(t, WriteAtomic(path, []byte("first"), 0o644))
	require.NoError(t, WriteAtomic(path, []byte("second"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestIsTransient(t *testing.T) {
	cases := map[string]bool{
		"task1.json":        false,
		".atomic-123.tmp":   true,
		"result.json.tmp":   true,
		"task1.json.lock":   true,
		".hidden":           true,
		"":                  true,
		"normal-result.json": false,
	}
	for name, want := range cases {
		assert.Equalf(t, want, IsTransient(name), "IsTransient(%q)", name)
	}
}

func TestNowMatchesTimeFormat(t *testing.T) {
	ts := Now()
	assert.NotEmpty(t, ts)
	assert.Contains(t, ts, "T")
}
