package telemetry_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runflow-dev/workflow/telemetry"
)

func TestLogEmitterTextMode(t *testing.T) {
	var buf bytes.Buffer
	e := telemetry.NewLogEmitter(&buf, false)
	e.Emit(telemetry.Event{RunID: "run-1", StepID: "step-1", Msg: "step_completed", Meta: map[string]any{"attempt": 1}})

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "[step_completed] runID=run-1 stepID=step-1"))
	require.Contains(t, out, `"attempt":1`)
}

func TestLogEmitterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	e := telemetry.NewLogEmitter(&buf, true)
	e.Emit(telemetry.Event{RunID: "run-1", Msg: "run_started"})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Equal(t, "run-1", decoded["runID"])
	require.Equal(t, "run_started", decoded["msg"])
}
