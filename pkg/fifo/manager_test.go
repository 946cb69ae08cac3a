package fifo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/pipebus/internal/logger"
	"github.com/billm/pipebus/pkg/types"
)

func createTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(logger.NewNop())
	require.NoError(t, err)
	return m
}

func TestManagerCreate(t *testing.T) {
	m := createTestManager(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "cap")

	require.NoError(t, m.Create(path))

	isPipe, err := IsFIFO(path)
	require.NoError(t, err)
	assert.True(t, isPipe)

	t.Run("existing pipe is reused", func(t *testing.T) {
		assert.NoError(t, m.Create(path))
	})

	t.Run("regular file is not replaced", func(t *testing.T) {
		file := filepath.Join(dir, "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

		err := m.Create(file)
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodeAlreadyExists))
	})

	t.Run("missing directory", func(t *testing.T) {
		err := m.Create(filepath.Join(dir, "missing", "pipe"))
		require.Error(t, err)
		assert.True(t, types.IsErrCode(err, types.ErrCodePipeCreationFailed))
	})
}

func TestManagerEnsureDir(t *testing.T) {
	m := createTestManager(t)
	dir := t.TempDir()

	nested := filepath.Join(dir, "a", "b", "clients")
	require.NoError(t, m.EnsureDir(nested))
	require.NoError(t, m.EnsureDir(nested))

	info, err := os.Stat(nested)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	err = m.EnsureDir(filepath.Join(file, "clients"))
	assert.True(t, types.IsErrCode(err, types.ErrCodePipeCreationFailed))
}

func TestManagerRemove(t *testing.T) {
	m := createTestManager(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "client.rx")
	require.NoError(t, m.Create(path))

	require.NoError(t, m.Remove(path))
	_, err := os.Lstat(path)
	assert.True(t, os.IsNotExist(err))

	err = m.Remove(path)
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))

	file := filepath.Join(dir, "keep.txt")
	require.NoError(t, os.WriteFile(file, []byte("data"), 0o644))
	err = m.Remove(file)
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
	_, err = os.Stat(file)
	assert.NoError(t, err, "non-pipe file must be left in place")
}

func TestPathHelpers(t *testing.T) {
	rx, tx := ClientPipePaths("/tmp/pipebus/clients", "worker-1")
	assert.Equal(t, "/tmp/pipebus/clients/worker-1.rx", rx)
	assert.Equal(t, "/tmp/pipebus/clients/worker-1.tx", tx)
	assert.Equal(t, "/tmp/pipebus/cap.reply", ReplyPath("/tmp/pipebus/cap"))
	assert.Equal(t, "/tmp/pipebus/cap.lock", LockPath("/tmp/pipebus/cap"))
}
