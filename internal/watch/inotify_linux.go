//go:build linux

package watch

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/TFMV/onevent/internal/mask"
)

// inMaskCreate makes inotify_add_watch fail with EEXIST instead of silently
// merging into an existing watch on the same inode (Linux 4.18+).
const inMaskCreate = 0x10000000

// readBufferSize holds a burst of records; a single read(2) on an inotify
// descriptor must be able to fit at least one complete record.
const readBufferSize = 64 * (unix.SizeofInotifyEvent + unix.NAME_MAX + 1)

// inotifyNotifier is the native Linux backend.
type inotifyNotifier struct {
	fd   int      // kept separately: File.Fd would put the descriptor in blocking mode
	file *os.File // registered with the runtime poller so Close unblocks Read
	r    *bufio.Reader

	// cleared once the kernel rejects IN_MASK_CREATE
	maskCreate atomic.Bool
}

func newInotify() (*inotifyNotifier, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, os.NewSyscallError("inotify_init1", err)
	}

	file := os.NewFile(uintptr(fd), "inotify")
	n := &inotifyNotifier{
		fd:   fd,
		file: file,
		r:    bufio.NewReaderSize(file, readBufferSize),
	}
	n.maskCreate.Store(true)
	return n, nil
}

// Read serves the record stream. bufio fills its buffer with whole records,
// so callers may ask for a header alone.
func (n *inotifyNotifier) Read(p []byte) (int, error) {
	return n.r.Read(p)
}

func (n *inotifyNotifier) AddWatch(path string, m mask.Mask) (int, error) {
	flags := uint32(m)
	if n.maskCreate.Load() {
		wd, err := unix.InotifyAddWatch(n.fd, path, flags|inMaskCreate)
		switch {
		case err == nil:
			return wd, nil
		case errors.Is(err, unix.EEXIST):
			return -1, &os.PathError{Op: "inotify_add_watch", Path: path, Err: ErrWatchExists}
		case errors.Is(err, unix.EINVAL):
			// Older kernel, fall back to plain registration
			n.maskCreate.Store(false)
		default:
			return -1, &os.PathError{Op: "inotify_add_watch", Path: path, Err: err}
		}
	}

	wd, err := unix.InotifyAddWatch(n.fd, path, flags)
	if err != nil {
		return -1, &os.PathError{Op: "inotify_add_watch", Path: path, Err: err}
	}
	return wd, nil
}

func (n *inotifyNotifier) RemoveWatch(wd int) error {
	if _, err := unix.InotifyRmWatch(n.fd, uint32(wd)); err != nil {
		return fmt.Errorf("inotify_rm_watch %d: %w", wd, err)
	}
	return nil
}

func (n *inotifyNotifier) Close() error {
	return n.file.Close()
}
