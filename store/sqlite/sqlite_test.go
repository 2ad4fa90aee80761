package sqlite_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/runflow-dev/workflow/store"
	"github.com/runflow-dev/workflow/store/sqlite"
	"github.com/runflow-dev/workflow/store/storetest"
)

func TestSQLiteConformance(t *testing.T) {
	storetest.RunConformance(t, func(clock store.Clock) store.Store {
		t.Helper()
		dir := t.TempDir()
		s, err := sqlite.Open(filepath.Join(dir, "workflow.db"), clock)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
