package fifo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/billm/pipebus/internal/logger"
	"github.com/billm/pipebus/pkg/types"
)

const (
	// DefaultPipeMode is the permission of pipes created by Manager
	DefaultPipeMode os.FileMode = 0o660
	// DefaultDirMode is the permission of directories created by Manager
	DefaultDirMode os.FileMode = 0o755
)

// Manager creates and removes pipe files
type Manager struct {
	mode   os.FileMode
	logger *logger.Logger
}

// NewManager creates a pipe manager
func NewManager(log *logger.Logger) (*Manager, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	return &Manager{
		mode:   DefaultPipeMode,
		logger: log.With("component", "fifo_manager"),
	}, nil
}

// EnsureDir creates dir and its parents if they are missing
func (m *Manager) EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, DefaultDirMode); err != nil {
		return types.WrapError(types.ErrCodePipeCreationFailed, "failed to create pipe directory "+dir, err)
	}
	return nil
}

// Create makes a FIFO at path. It succeeds without changes when a FIFO
// already exists there and fails with ErrCodeAlreadyExists when the path is
// taken by something else.
func (m *Manager) Create(path string) error {
	err := unix.Mkfifo(path, uint32(m.mode.Perm()))
	if err == nil {
		m.logger.Debug("Pipe created", "path", path)
		return nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return types.WrapError(types.ErrCodePipeCreationFailed, "failed to create pipe "+path, err)
	}

	isPipe, statErr := IsFIFO(path)
	if statErr != nil {
		return types.WrapError(types.ErrCodePipeCreationFailed, "failed to inspect existing path "+path, statErr)
	}
	if !isPipe {
		return types.NewError(types.ErrCodeAlreadyExists, fmt.Sprintf("path %s exists and is not a pipe", path))
	}
	m.logger.Debug("Pipe already exists", "path", path)
	return nil
}

// Remove deletes the FIFO at path. Callers treat failures as best-effort and
// only log them; a missing path yields ErrCodeNotFound and a path that is not
// a pipe is left in place.
func (m *Manager) Remove(path string) error {
	isPipe, err := IsFIFO(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.WrapError(types.ErrCodeNotFound, "pipe already removed: "+path, err)
		}
		return types.WrapError(types.ErrCodeInternal, "failed to inspect pipe "+path, err)
	}
	if !isPipe {
		return types.NewError(types.ErrCodeFailedPrecondition, fmt.Sprintf("refusing to remove %s: not a pipe", path))
	}
	if err := os.Remove(path); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to remove pipe "+path, err)
	}
	m.logger.Debug("Pipe removed", "path", path)
	return nil
}

// IsFIFO reports whether path is a named pipe
func IsFIFO(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return false, err
	}
	return info.Mode()&os.ModeNamedPipe != 0, nil
}

// ClientPipePaths returns the delivery (rx) and intake (tx) pipe paths for a client
func ClientPipePaths(clientDir, clientID string) (rx, tx string) {
	return filepath.Join(clientDir, clientID+".rx"), filepath.Join(clientDir, clientID+".tx")
}

// ReplyPath returns the path of the reply pipe paired with the control pipe at capPath
func ReplyPath(capPath string) string {
	return capPath + ".reply"
}

// LockPath returns the path of the lock file that serializes CAP handshakes
func LockPath(capPath string) string {
	return capPath + ".lock"
}
