package wup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CollectFiles adds no sort of its own; it keeps filepath.WalkDir's
// depth-first traversal order, which visits each directory's entries in
// lexical order and descends into a subdirectory at its place in that order.
func TestCollectFilesSkipsEmptyAndPreservesWalkOrder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.bin"), []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), []byte("more data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.bin"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.bin"), []byte("nested"), 0o644))

	entries, skipped, err := CollectFiles(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, skipped, 1)
	assert.Equal(t, filepath.Join(dir, "empty.bin"), skipped[0])

	// WalkDir visits root's entries in lexical order (a.bin, b.bin,
	// empty.bin, sub) and descends into sub/ when it reaches it, so a.bin
	// and b.bin both precede sub/c.bin.
	require.Len(t, entries, 3)
	assert.Equal(t, filepath.Join(dir, "a.bin"), entries[0].Path)
	assert.Equal(t, filepath.Join(dir, "b.bin"), entries[1].Path)
	assert.Equal(t, filepath.Join(dir, "sub", "c.bin"), entries[2].Path)
	assert.EqualValues(t, 9, entries[0].Size)
}

func TestCollectFilesSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "only.bin")
	require.NoError(t, os.WriteFile(path, []byte("xyz"), 0o644))

	entries, skipped, err := CollectFiles(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, entries, 1)
	assert.Equal(t, path, entries[0].Path)
}

func TestCollectFilesMissingRoot(t *testing.T) {
	_, _, err := CollectFiles(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}
