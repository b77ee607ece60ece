package watch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/TFMV/onevent/internal/mask"
)

// fakeNotifier serves a prepared record stream and simulates registrations.
// Paths mapped to the same key in sameFile share one underlying file.
type fakeNotifier struct {
	stream io.Reader

	nextWD   int
	watched  map[string]int // file key -> wd
	sameFile map[string]string
	addErr   map[string]error
	rmErr    error

	// return the existing descriptor instead of ErrWatchExists
	mergeDuplicates bool

	ops *[]string
}

func newFakeNotifier(ops *[]string, records ...RawEvent) *fakeNotifier {
	return &fakeNotifier{
		stream:   bytes.NewReader(encodeAll(records...)),
		watched:  make(map[string]int),
		sameFile: make(map[string]string),
		addErr:   make(map[string]error),
		ops:      ops,
	}
}

func encodeAll(records ...RawEvent) []byte {
	var buf []byte
	for _, r := range records {
		buf = Encode(buf, r)
	}
	return buf
}

func (f *fakeNotifier) key(path string) string {
	if k, ok := f.sameFile[path]; ok {
		return k
	}
	return path
}

func (f *fakeNotifier) Read(p []byte) (int, error) {
	return f.stream.Read(p)
}

func (f *fakeNotifier) AddWatch(path string, m mask.Mask) (int, error) {
	if err := f.addErr[path]; err != nil {
		return -1, err
	}
	k := f.key(path)
	if wd, ok := f.watched[k]; ok {
		if f.mergeDuplicates {
			return wd, nil
		}
		return -1, fmt.Errorf("add %s: %w", path, ErrWatchExists)
	}
	f.nextWD++
	f.watched[k] = f.nextWD
	f.record("add %s %d", path, f.nextWD)
	return f.nextWD, nil
}

func (f *fakeNotifier) RemoveWatch(wd int) error {
	f.record("rm %d", wd)
	for k, v := range f.watched {
		if v == wd {
			delete(f.watched, k)
		}
	}
	return f.rmErr
}

func (f *fakeNotifier) Close() error {
	return nil
}

func (f *fakeNotifier) record(format string, args ...any) {
	if f.ops != nil {
		*f.ops = append(*f.ops, fmt.Sprintf(format, args...))
	}
}

// recordingRunner logs each command into the shared op log.
type recordingRunner struct {
	ops   *[]string
	calls [][]string
	onRun func(argv []string) error
}

func (r *recordingRunner) Run(_ context.Context, argv []string) error {
	r.calls = append(r.calls, argv)
	if r.ops != nil {
		*r.ops = append(*r.ops, "run "+strings.Join(argv, " "))
	}
	if r.onRun != nil {
		return r.onRun(argv)
	}
	return nil
}
