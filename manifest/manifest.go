// Package manifest loads and validates manifest.json, the file an external
// bundler produces and the core consumes read-only to resolve
// (file, function) pairs to the stable stepId/workflowId values that the
// queue and store layers key everything on. The core never performs AST
// analysis itself (see DESIGN.md's Open Question Decisions) — this package
// is the entire boundary between that external build step and the runtime.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/runflow-dev/workflow/workflowerr"
)

// StepEntry identifies one step function within a bundled file.
type StepEntry struct {
	StepID string `json:"stepId"`
}

// WorkflowEntry identifies one workflow function within a bundled file. Graph
// is opaque to the core (documentation-only metadata produced by the
// bundler's AST analyzer), carried through unvalidated.
type WorkflowEntry struct {
	WorkflowID string         `json:"workflowId"`
	Graph      map[string]any `json:"graph,omitempty"`
}

// Manifest is the parsed, validated contents of manifest.json.
type Manifest struct {
	Version   string                              `json:"version"`
	Steps     map[string]map[string]StepEntry     `json:"steps"`
	Workflows map[string]map[string]WorkflowEntry `json:"workflows"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every entry in the manifest carries a non-empty
// identity. A manifest referencing a file/function with a blank stepId or
// workflowId is produced by a broken bundler and must not be loaded.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return workflowerr.NewValidation("manifest: missing version")
	}
	for file, steps := range m.Steps {
		for name, entry := range steps {
			if entry.StepID == "" {
				return workflowerr.NewValidation(fmt.Sprintf("manifest: step %q in %q has no stepId", name, file))
			}
		}
	}
	for file, workflows := range m.Workflows {
		for name, entry := range workflows {
			if entry.WorkflowID == "" {
				return workflowerr.NewValidation(fmt.Sprintf("manifest: workflow %q in %q has no workflowId", name, file))
			}
		}
	}
	return nil
}

// ResolveStep returns the stepId registered for (file, function), per the
// workflow// and step// identifier form spec.md §6 defines.
func (m *Manifest) ResolveStep(file, function string) (string, bool) {
	steps, ok := m.Steps[file]
	if !ok {
		return "", false
	}
	entry, ok := steps[function]
	return entry.StepID, ok
}

// ResolveWorkflow returns the workflowId registered for (file, function).
func (m *Manifest) ResolveWorkflow(file, function string) (string, bool) {
	workflows, ok := m.Workflows[file]
	if !ok {
		return "", false
	}
	entry, ok := workflows[function]
	return entry.WorkflowID, ok
}
