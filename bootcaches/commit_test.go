package bootcaches

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/bootcachesd/safepath"
)

func TestCommitBootstampsWritesTimestamps(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ts"), 0755))

	scope, err := safepath.Open(root)
	require.NoError(t, err)
	defer scope.Close()

	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	bc := &BootCaches{Root: root, Scope: scope}
	cp := &CachedPath{RPath: "src", TSPath: "ts/src", ModTime: mtime, AccessTime: mtime}

	require.NoError(t, bc.CommitBootstamps([]*CachedPath{cp}))

	info, err := os.Stat(filepath.Join(root, "ts", "src"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
	assert.True(t, info.ModTime().Equal(mtime))
}

func TestCommitBootstampsOverwritesExisting(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "ts"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ts", "src"), []byte("stale"), 0644))

	scope, err := safepath.Open(root)
	require.NoError(t, err)
	defer scope.Close()

	mtime := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	bc := &BootCaches{Root: root, Scope: scope}
	cp := &CachedPath{RPath: "src", TSPath: "ts/src", ModTime: mtime, AccessTime: mtime}

	require.NoError(t, bc.CommitBootstamps([]*CachedPath{cp}))

	b, err := os.ReadFile(filepath.Join(root, "ts", "src"))
	require.NoError(t, err)
	assert.Empty(t, b)
}
