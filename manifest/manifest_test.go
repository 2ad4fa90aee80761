package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runflow-dev/workflow/manifest"
)

const validManifest = `{
  "version": "1.0.0",
  "steps": {"handlers.go": {"addTen": {"stepId": "step-1"}}},
  "workflows": {"handlers.go": {"runJob": {"workflowId": "wf-1", "graph": {"nodes": []}}}}
}`

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadResolvesStepsAndWorkflows(t *testing.T) {
	m, err := manifest.Load(writeManifest(t, validManifest))
	require.NoError(t, err)

	stepID, ok := m.ResolveStep("handlers.go", "addTen")
	require.True(t, ok)
	require.Equal(t, "step-1", stepID)

	workflowID, ok := m.ResolveWorkflow("handlers.go", "runJob")
	require.True(t, ok)
	require.Equal(t, "wf-1", workflowID)

	_, ok = m.ResolveStep("handlers.go", "missing")
	require.False(t, ok)
}

func TestLoadRejectsMissingStepID(t *testing.T) {
	body := `{"version":"1.0.0","steps":{"h.go":{"addTen":{"stepId":""}}}}`
	_, err := manifest.Load(writeManifest(t, body))
	require.Error(t, err)
}

func TestLoadRejectsMissingVersion(t *testing.T) {
	_, err := manifest.Load(writeManifest(t, `{"steps":{}}`))
	require.Error(t, err)
}
