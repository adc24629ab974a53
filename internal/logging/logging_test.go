package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONFormatWritesStructuredFields(t *testing.T) {
	var out bytes.Buffer
	log := New("workerwatcher", Config{Level: "info", Format: "json", Stdout: &out})

	log.Info().Msg("started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "workerwatcher", entry["logger"])
	assert.Equal(t, "started", entry["message"])
}

func TestNewRespectsLevelFilter(t *testing.T) {
	var out, errOut bytes.Buffer
	log := New("workerwatcher", Config{Level: "error", Format: "json", Stdout: &out, Stderr: &errOut})

	log.Info().Msg("should be filtered")
	assert.Empty(t, out.Bytes())

	log.Error().Msg("should appear")
	assert.NotEmpty(t, errOut.Bytes())
}

func TestNewSplitsInfoToStdoutAndWarnPlusToStderr(t *testing.T) {
	var out, errOut bytes.Buffer
	log := New("workerwatcher", Config{Level: "debug", Format: "json", Stdout: &out, Stderr: &errOut})

	log.Info().Msg("routine")
	log.Warn().Msg("degraded")
	log.Error().Msg("broken")

	assert.Contains(t, out.String(), "routine")
	assert.NotContains(t, out.String(), "degraded")
	assert.NotContains(t, out.String(), "broken")

	assert.Contains(t, errOut.String(), "degraded")
	assert.Contains(t, errOut.String(), "broken")
	assert.NotContains(t, errOut.String(), "routine")
}

func TestNewTextFormatSplitsInfoToStdoutAndWarnPlusToStderr(t *testing.T) {
	var out, errOut bytes.Buffer
	log := New("workerwatcher", Config{Level: "debug", Format: "text", Stdout: &out, Stderr: &errOut})

	log.Info().Msg("routine")
	log.Warn().Msg("degraded")

	assert.Contains(t, out.String(), "routine")
	assert.Contains(t, errOut.String(), "degraded")
	assert.NotContains(t, out.String(), "degraded")
}

func TestParseLevelUnknownDefaultsToInfo(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, parseLevel("nonsense"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
}

func TestWithWorkerAndWithTaskAddFields(t *testing.T) {
	var buf bytes.Buffer
	log := New("workerwatcher", Config{Level: "info", Format: "json", Stdout: &buf})

	child := WithTask(WithWorker(log, "worker-a"), "task-1")
	child.Info().Msg("processing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "worker-a", entry["worker"])
	assert.Equal(t, "task-1", entry["task_id"])
}
