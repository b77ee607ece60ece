//go:build !linux

package watch

import (
	"errors"
	"runtime"
)

func newInotify() (Notifier, error) {
	return nil, errors.New("inotify backend is not available on " + runtime.GOOS)
}
