package safepath

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openScope(t *testing.T, root string) *Scope {
	t.Helper()
	s, err := Open(root)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreateForcesExcl(t *testing.T) {
	root := t.TempDir()
	s := openScope(t, root)

	target := filepath.Join(root, "file")
	f, err := s.Open(target, os.O_WRONLY|os.O_CREATE, 0644)
	require.NoError(t, err)
	f.Close()

	// Second create with O_EXCL forced must fail: the file exists.
	_, err = s.Open(target, os.O_WRONLY|os.O_CREATE, 0644)
	assert.Error(t, err)
	assert.True(t, os.IsExist(err))
}

func TestMkdirRmdir(t *testing.T) {
	root := t.TempDir()
	s := openScope(t, root)

	dir := filepath.Join(root, "sub")
	require.NoError(t, s.Mkdir(dir, 0755))
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, s.Rmdir(dir))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestUnlinkMissingIsNotAnError(t *testing.T) {
	root := t.TempDir()
	s := openScope(t, root)
	assert.NoError(t, s.Unlink(filepath.Join(root, "nope")))
}

func TestRenameSameDirectory(t *testing.T) {
	root := t.TempDir()
	s := openScope(t, root)

	src := filepath.Join(root, "a")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	dst := filepath.Join(root, "b")
	require.NoError(t, s.Rename(src, dst))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err))
	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "x", string(content))
}

func TestRenameAcrossDirectoriesRejected(t *testing.T) {
	root := t.TempDir()
	s := openScope(t, root)
	require.NoError(t, os.Mkdir(filepath.Join(root, "other"), 0755))

	src := filepath.Join(root, "a")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))

	err := s.Rename(src, filepath.Join(root, "other", "a"))
	assert.Error(t, err)
}

func TestDeepMkdirCreatesIntermediateDirs(t *testing.T) {
	root := t.TempDir()
	s := openScope(t, root)

	target := filepath.Join(root, "a", "b", "c")
	require.NoError(t, s.DeepMkdir(target, 0755))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDeepMkdirRejectsNonDirectoryComponent(t *testing.T) {
	root := t.TempDir()
	s := openScope(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), []byte("x"), 0644))

	err := s.DeepMkdir(filepath.Join(root, "a", "b"), 0755)
	assert.Error(t, err)
}

func TestDeepUnlinkRemovesTree(t *testing.T) {
	root := t.TempDir()
	s := openScope(t, root)

	tree := filepath.Join(root, "tree")
	require.NoError(t, os.MkdirAll(filepath.Join(tree, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "f"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tree, "sub", "g"), []byte("y"), 0644))

	require.NoError(t, s.DeepUnlink(tree))
	_, err := os.Stat(tree)
	assert.True(t, os.IsNotExist(err))
}

func TestDeepUnlinkMissingIsNotAnError(t *testing.T) {
	root := t.TempDir()
	s := openScope(t, root)
	assert.NoError(t, s.DeepUnlink(filepath.Join(root, "nope")))
}

func TestCopyFilePreservesContentAndDerivesMode(t *testing.T) {
	srcDir := t.TempDir()
	dstRoot := t.TempDir()
	s := openScope(t, dstRoot)

	src := filepath.Join(srcDir, "source")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	dst := filepath.Join(dstRoot, "nested", "dir", "dest")
	require.NoError(t, s.CopyFile(src, dst))

	content, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))

	info, err := os.Stat(filepath.Dir(dst))
	require.NoError(t, err)
	// 0644 source -> owner rwx, group/other +x because group/other read set.
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestCopyFileRejectsZeroLengthSource(t *testing.T) {
	srcDir := t.TempDir()
	dstRoot := t.TempDir()
	s := openScope(t, dstRoot)

	src := filepath.Join(srcDir, "empty")
	require.NoError(t, os.WriteFile(src, nil, 0644))

	err := s.CopyFile(src, filepath.Join(dstRoot, "dest"))
	assert.Error(t, err)
}

func TestPrologueDevMismatch(t *testing.T) {
	root := t.TempDir()
	s := openScope(t, root)
	// Forge a mismatching device id to exercise the comparison branch
	// deterministically, independent of the host's filesystem layout.
	s.dev = ^s.dev

	_, err := s.Open(filepath.Join(root, "x"), os.O_WRONLY|os.O_CREATE, 0644)
	assert.ErrorIs(t, err, ErrScopeViolation)
}
