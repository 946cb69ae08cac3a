package pidfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/pipebus/pkg/types"
)

func TestAcquireWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "pipebusd.pid")

	p, err := Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, p.Path())

	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, p.Release())
}

func TestAcquireIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipebusd.pid")

	first, err := Acquire(path)
	require.NoError(t, err)
	defer first.Release()

	_, err = Acquire(path)
	require.Error(t, err)
	assert.True(t, types.IsErrCode(err, types.ErrCodeAlreadyExists))
	assert.Contains(t, err.Error(), "held by process")

	require.NoError(t, first.Release())

	second, err := Acquire(path)
	require.NoError(t, err)
	assert.NoError(t, second.Release())
}

func TestAcquireEmptyPath(t *testing.T) {
	_, err := Acquire("")
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestRead(t *testing.T) {
	dir := t.TempDir()

	_, err := Read(filepath.Join(dir, "missing.pid"))
	assert.True(t, types.IsErrCode(err, types.ErrCodeNotFound))

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-pid"), 0644))
	_, err = Read(garbage)
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalid))
}
