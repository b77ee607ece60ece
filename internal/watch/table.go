package watch

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/TFMV/onevent/internal/mask"
)

// noWD marks an entry without a live descriptor.
const noWD = -1

// Entry is one watched path.
type Entry struct {
	Index int
	Path  string

	wd        int
	unmanaged bool
}

// WD returns the live watch descriptor and whether there is one.
func (e Entry) WD() (int, bool) {
	return e.wd, e.wd != noWD
}

// Unmanaged reports whether the path's file is watched through another entry.
func (e Entry) Unmanaged() bool {
	return e.unmanaged
}

// Table maps watch descriptors to watched paths and owns their lifecycle.
// It is not safe for concurrent use; the event loop is its only mutator.
type Table struct {
	notifier Notifier
	mask     mask.Mask
	entries  []Entry
	byWD     map[int]int
	logger   *zap.Logger
}

// NewTable creates a table for paths, indexed in order. Nothing is registered
// until RegisterAll or Register is called.
func NewTable(n Notifier, m mask.Mask, paths []string, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries := make([]Entry, len(paths))
	for i, p := range paths {
		entries[i] = Entry{Index: i, Path: p, wd: noWD}
	}

	return &Table{
		notifier: n,
		mask:     m,
		entries:  entries,
		byWD:     make(map[int]int, len(paths)),
		logger:   logger,
	}
}

// Mask returns the requested event mask.
func (t *Table) Mask() mask.Mask {
	return t.mask
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Entry returns a copy of the entry at index.
func (t *Table) Entry(index int) Entry {
	return t.entries[index]
}

// RegisterAll registers every entry. Failures other than an existing watch on
// the same file are collected, one per path.
func (t *Table) RegisterAll() error {
	var errs []error
	for i := range t.entries {
		if _, err := t.Register(i); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Register asks the notifier to watch the entry at index. If the underlying
// file is already watched through another entry, the entry becomes unmanaged
// and no error is returned; events are attributed to the owning entry.
func (t *Table) Register(index int) (int, error) {
	e := &t.entries[index]
	if e.wd != noWD {
		return e.wd, nil
	}

	wd, err := t.notifier.AddWatch(e.Path, t.mask)
	if errors.Is(err, ErrWatchExists) {
		t.markUnmanaged(e)
		return noWD, nil
	}
	if err != nil {
		return noWD, err
	}

	// Kernels without IN_MASK_CREATE hand back the existing descriptor
	if owner, ok := t.byWD[wd]; ok && owner != index {
		t.markUnmanaged(e)
		return noWD, nil
	}

	e.wd = wd
	e.unmanaged = false
	t.byWD[wd] = index

	t.logger.Debug("watch registered",
		zap.Int("index", index),
		zap.String("path", e.Path),
		zap.Int("wd", wd),
		zap.Stringer("mask", t.mask),
	)
	return wd, nil
}

func (t *Table) markUnmanaged(e *Entry) {
	e.unmanaged = true
	t.logger.Debug("path already watched through another entry",
		zap.Int("index", e.Index),
		zap.String("path", e.Path),
	)
}

// Lookup returns the index of the entry owning wd. false means the
// descriptor is stale and the event must be ignored.
func (t *Table) Lookup(wd int) (int, bool) {
	index, ok := t.byWD[wd]
	return index, ok
}

// Disable stops deliveries for the entry at index until Enable. The
// descriptor is forgotten first, so records already buffered for it no
// longer resolve even if the notifier call fails.
func (t *Table) Disable(index int) error {
	e := &t.entries[index]
	if e.wd == noWD {
		return nil
	}

	wd := e.wd
	delete(t.byWD, wd)
	e.wd = noWD

	if err := t.notifier.RemoveWatch(wd); err != nil {
		return fmt.Errorf("disable %s: %w", e.Path, err)
	}
	return nil
}

// Enable restores monitoring for the entry at index. A failure is logged and
// returned; the entry then stays unmonitored, there is no retry.
func (t *Table) Enable(index int) error {
	if _, err := t.Register(index); err != nil {
		t.logger.Warn("failed to re-enable watch",
			zap.String("path", t.entries[index].Path),
			zap.Error(err),
		)
		return err
	}
	return nil
}
