package sqlitedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesNestedDirectory(t *testing.T) {
	t.Parallel()

	db, err := Open(filepath.Join(t.TempDir(), "nested", "runtime.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE sample (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open("  ")
	require.Error(t, err)
}
