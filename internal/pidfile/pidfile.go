// Package pidfile writes the daemon's PID file and keeps it exclusive.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gofrs/flock"

	"github.com/billm/pipebus/pkg/types"
)

const (
	// DefaultDirPermissions is the mode of a created parent directory
	DefaultDirPermissions = 0755
	// DefaultFilePermissions is the mode of the PID file
	DefaultFilePermissions = 0644
)

// PIDFile is a written, locked PID file
type PIDFile struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// Acquire locks path+".lock", then writes the current process id to path.
// It fails with ErrCodeAlreadyExists when another process holds the lock.
func Acquire(path string) (*PIDFile, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "pid file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to create pid file directory", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to lock pid file "+path, err)
	}
	if !locked {
		owner := "unknown"
		if pid, err := Read(path); err == nil {
			owner = strconv.Itoa(pid)
		}
		return nil, types.NewError(types.ErrCodeAlreadyExists,
			fmt.Sprintf("pid file %s is held by process %s", path, owner))
	}

	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		lock.Unlock()
		return nil, types.WrapError(types.ErrCodeInternal, "failed to write pid file "+path, err)
	}

	return &PIDFile{path: path, lock: lock}, nil
}

// Path returns the PID file path
func (p *PIDFile) Path() string {
	return p.path
}

// Release removes the PID file and drops the lock. Releasing twice is a no-op.
func (p *PIDFile) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lock == nil {
		return nil
	}

	var firstErr error
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		firstErr = types.WrapError(types.ErrCodeInternal, "failed to remove pid file "+p.path, err)
	}
	if err := os.Remove(p.lock.Path()); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = types.WrapError(types.ErrCodeInternal, "failed to remove pid lock file", err)
	}
	if err := p.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = types.WrapError(types.ErrCodeInternal, "failed to unlock pid file "+p.path, err)
	}
	p.lock = nil
	return firstErr
}

// Read returns the process id stored in path
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, types.WrapError(types.ErrCodeNotFound, "pid file not found: "+path, err)
		}
		return 0, types.WrapError(types.ErrCodeInternal, "failed to read pid file "+path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, types.NewError(types.ErrCodeInvalid, "pid file does not contain a process id: "+path)
	}
	return pid, nil
}
