package wup

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileMD5Hex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.bin")
	data := make([]byte, 3*md5ChunkSize+17) // spans several chunk boundaries
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	want := md5.Sum(data)
	got, err := FileMD5Hex(path)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestFileMD5HexEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	got, err := FileMD5Hex(path)
	require.NoError(t, err)
	want := md5.Sum(nil)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestFileMD5HexMissingFile(t *testing.T) {
	_, err := FileMD5Hex(filepath.Join(t.TempDir(), "does-not-exist.bin"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileOpen)
}
