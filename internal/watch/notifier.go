// Package watch implements the watch-and-run engine: the table of watched
// paths, the notification backends feeding it, and the event loop that runs a
// command for every matching event.
package watch

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/TFMV/onevent/internal/mask"
)

// ErrWatchExists is returned by a Notifier when the path's underlying file is
// already watched through another registration.
var ErrWatchExists = errors.New("watch already exists")

// Notifier is an OS notification channel. Read yields a stream of event
// records in the layout handled by Decoder.
type Notifier interface {
	io.Reader

	// AddWatch starts watching path for the events in m and returns the
	// watch descriptor.
	AddWatch(path string, m mask.Mask) (int, error)

	// RemoveWatch stops deliveries for wd.
	RemoveWatch(wd int) error

	// Close releases the channel. A blocked Read returns an error.
	Close() error
}

// Backend names a Notifier implementation.
type Backend string

const (
	BackendInotify  Backend = "inotify"
	BackendFsnotify Backend = "fsnotify"
)

// Supported returns the event bits the backend can deliver. Requested bits
// outside it are accepted but never fire.
func (b Backend) Supported() mask.Mask {
	if b == BackendFsnotify {
		return fsnotifySupported
	}
	return mask.AllEvents
}

// DefaultBackend is inotify on Linux and fsnotify elsewhere.
func DefaultBackend() Backend {
	if runtime.GOOS == "linux" {
		return BackendInotify
	}
	return BackendFsnotify
}

// NewNotifier opens a notification channel using backend.
func NewNotifier(backend Backend) (Notifier, error) {
	switch backend {
	case BackendInotify:
		n, err := newInotify()
		if err != nil {
			return nil, err
		}
		return n, nil
	case BackendFsnotify:
		n, err := newFsnotify()
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
}
