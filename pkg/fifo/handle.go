package fifo

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/billm/pipebus/pkg/types"
)

// writeRetryInterval is the pause between attempts on a full pipe
const writeRetryInterval = time.Millisecond

// readChunkSize is the size of a single read from a pipe
const readChunkSize = 4096

// Reader is the non-blocking read end of a pipe
type Reader struct {
	mu   sync.Mutex
	fd   int
	path string
}

// OpenReader opens path for non-blocking reads. It does not wait for a writer.
func OpenReader(path string) (*Reader, error) {
	fd, err := openRetryEINTR(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to open pipe for reading: "+path, err)
	}
	return &Reader{fd: fd, path: path}, nil
}

// Path returns the pipe path
func (r *Reader) Path() string {
	return r.path
}

// ReadAvailable reads whatever is buffered in the pipe into p. It returns
// (0, nil) when the pipe is empty or has no writer.
func (r *Reader) ReadAvailable(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fd < 0 {
		return 0, types.NewError(types.ErrCodeUnavailable, "pipe reader is closed: "+r.path)
	}
	for {
		n, err := unix.Read(r.fd, p)
		switch {
		case err == nil:
			// Zero bytes with no error means no writer holds the pipe open.
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		default:
			return 0, types.WrapError(types.ErrCodeInternal, "failed to read pipe "+r.path, err)
		}
	}
}

// Drain copies everything currently buffered in the pipe into dst, stopping
// after limit bytes when limit is positive. It returns the number of bytes copied.
func (r *Reader) Drain(dst io.Writer, limit int) (int, error) {
	buf := make([]byte, readChunkSize)
	total := 0
	for limit <= 0 || total < limit {
		chunk := buf
		if limit > 0 && limit-total < len(chunk) {
			chunk = chunk[:limit-total]
		}
		n, err := r.ReadAvailable(chunk)
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
		if _, err := dst.Write(chunk[:n]); err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Close releases the descriptor. Closing twice is a no-op.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fd < 0 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close pipe reader "+r.path, err)
	}
	return nil
}

// Replaced reports whether the path no longer names the pipe this reader
// has open, as after the pipe was removed and created again
func (r *Reader) Replaced() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fd < 0 {
		return true, nil
	}
	return replaced(r.fd, r.path)
}

// Writer is the non-blocking write end of a pipe
type Writer struct {
	mu   sync.Mutex
	fd   int
	path string
}

// OpenWriter opens path for non-blocking writes. It fails with
// ErrCodeNoReader when nobody has the pipe open for reading.
func OpenWriter(path string) (*Writer, error) {
	fd, err := openRetryEINTR(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			return nil, types.WrapError(types.ErrCodeNoReader, "no reader on pipe "+path, err)
		}
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to open pipe for writing: "+path, err)
	}
	return &Writer{fd: fd, path: path}, nil
}

// Path returns the pipe path
func (w *Writer) Path() string {
	return w.path
}

// WriteAll writes all of p, retrying while the pipe is full until timeout
// elapses. Writes up to PIPE_BUF bytes are atomic with respect to other writers.
func (w *Writer) WriteAll(p []byte, timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fd < 0 {
		return types.NewError(types.ErrCodeUnavailable, "pipe writer is closed: "+w.path)
	}

	deadline := time.Now().Add(timeout)
	written := 0
	for written < len(p) {
		n, err := unix.Write(w.fd, p[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if !time.Now().Before(deadline) {
				return types.WrapError(types.ErrCodeWouldBlock,
					fmt.Sprintf("pipe %s full after writing %d of %d bytes", w.path, written, len(p)), err)
			}
			time.Sleep(writeRetryInterval)
		case errors.Is(err, unix.EPIPE):
			return types.WrapError(types.ErrCodeNoReader, "reader went away on pipe "+w.path, err)
		default:
			return types.WrapError(types.ErrCodeInternal, "failed to write pipe "+w.path, err)
		}
	}
	return nil
}

// Close releases the descriptor. Closing twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.fd < 0 {
		return nil
	}
	err := unix.Close(w.fd)
	w.fd = -1
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to close pipe writer "+w.path, err)
	}
	return nil
}

// Replaced reports whether the path no longer names the pipe this writer
// has open
func (w *Writer) Replaced() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fd < 0 {
		return true, nil
	}
	return replaced(w.fd, w.path)
}

// WriteOnce opens path, writes p and closes the handle on every return path
func WriteOnce(path string, p []byte, timeout time.Duration) error {
	w, err := OpenWriter(path)
	if err != nil {
		return err
	}
	defer w.Close()
	return w.WriteAll(p, timeout)
}

func replaced(fd int, path string) (bool, error) {
	var open, current unix.Stat_t
	if err := unix.Fstat(fd, &open); err != nil {
		return false, types.WrapError(types.ErrCodeInternal, "failed to stat open pipe "+path, err)
	}
	if err := unix.Stat(path, &current); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return true, nil
		}
		return false, types.WrapError(types.ErrCodeInternal, "failed to stat pipe "+path, err)
	}
	return open.Dev != current.Dev || open.Ino != current.Ino, nil
}

func openRetryEINTR(path string, flags int) (int, error) {
	for {
		fd, err := unix.Open(path, flags, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return fd, err
	}
}
