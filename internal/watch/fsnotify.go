package watch

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/TFMV/onevent/internal/mask"
)

// maxQueuedBytes bounds the records waiting to be read before the portable
// backend starts dropping them behind a single overflow marker.
const maxQueuedBytes = 1 << 20

// fsnotifySupported lists the bits selfBits and childBits can produce.
// fsnotify reports no access, open or close events.
const fsnotifySupported = mask.Modify | mask.Attrib | mask.DeleteSelf | mask.MoveSelf |
	mask.Create | mask.Delete | mask.MovedFrom

// fsnotifyNotifier is the portable backend. It re-encodes fsnotify events
// into inotify-layout records so the loop sees one wire format everywhere.
type fsnotifyNotifier struct {
	watcher *fsnotify.Watcher
	queue   *recordQueue

	mu     sync.Mutex
	nextWD int
	byWD   map[int]*fsWatch
	byPath map[string]int

	wg sync.WaitGroup
}

type fsWatch struct {
	path string
	mask mask.Mask
	info os.FileInfo
}

func newFsnotify() (*fsnotifyNotifier, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("error creating watcher: %w", err)
	}

	n := &fsnotifyNotifier{
		watcher: watcher,
		queue:   newRecordQueue(maxQueuedBytes),
		byWD:    make(map[int]*fsWatch),
		byPath:  make(map[string]int),
	}

	n.wg.Add(1)
	go n.forward()
	return n, nil
}

func (n *fsnotifyNotifier) Read(p []byte) (int, error) {
	return n.queue.Read(p)
}

func (n *fsnotifyNotifier) AddWatch(path string, m mask.Mask) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return -1, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	// One registration per underlying file, like inotify with IN_MASK_CREATE
	for _, w := range n.byWD {
		if os.SameFile(w.info, info) {
			return -1, &os.PathError{Op: "add watch", Path: path, Err: ErrWatchExists}
		}
	}

	if err := n.watcher.Add(path); err != nil {
		return -1, &os.PathError{Op: "add watch", Path: path, Err: err}
	}

	n.nextWD++
	wd := n.nextWD
	clean := filepath.Clean(path)
	n.byWD[wd] = &fsWatch{path: clean, mask: m, info: info}
	n.byPath[clean] = wd
	return wd, nil
}

func (n *fsnotifyNotifier) RemoveWatch(wd int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	w, ok := n.byWD[wd]
	if !ok {
		return fmt.Errorf("remove watch %d: %w", wd, fsnotify.ErrNonExistentWatch)
	}
	n.dropLocked(wd, w)

	if err := n.watcher.Remove(w.path); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return fmt.Errorf("remove watch %d: %w", wd, err)
	}
	return nil
}

func (n *fsnotifyNotifier) Close() error {
	err := n.watcher.Close()
	n.wg.Wait()
	n.queue.CloseWithError(os.ErrClosed)
	return err
}

// dropLocked forgets a watch and queues the IGNORED record the kernel would send.
func (n *fsnotifyNotifier) dropLocked(wd int, w *fsWatch) {
	delete(n.byWD, wd)
	if n.byPath[w.path] == wd {
		delete(n.byPath, w.path)
	}
	n.queue.Push(RawEvent{WD: int32(wd), Mask: mask.Ignored})
}

// forward translates fsnotify events until the watcher is closed.
func (n *fsnotifyNotifier) forward() {
	defer n.wg.Done()
	for {
		select {
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			n.translate(event)

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				n.queue.Push(RawEvent{WD: -1, Mask: mask.Overflow})
				continue
			}
			n.queue.CloseWithError(fmt.Errorf("watcher error: %w", err))
			return
		}
	}
}

// translate queues one record per watch the event concerns: the path itself,
// and its parent directory if that is watched too.
func (n *fsnotifyNotifier) translate(event fsnotify.Event) {
	name := filepath.Clean(event.Name)

	n.mu.Lock()
	defer n.mu.Unlock()

	if wd, ok := n.byPath[name]; ok {
		w := n.byWD[wd]
		if bits := selfBits(event) & w.mask; bits != 0 {
			n.queue.Push(RawEvent{WD: int32(wd), Mask: bits})
		}
		// The watched path is gone
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			n.dropLocked(wd, w)
			if event.Has(fsnotify.Rename) {
				_ = n.watcher.Remove(w.path)
			}
		}
	}

	if wd, ok := n.byPath[filepath.Dir(name)]; ok && filepath.Dir(name) != name {
		w := n.byWD[wd]
		if bits := childBits(event) & w.mask; bits != 0 {
			n.queue.Push(RawEvent{WD: int32(wd), Mask: bits, Name: filepath.Base(name)})
		}
	}
}

func selfBits(event fsnotify.Event) mask.Mask {
	var bits mask.Mask
	if event.Has(fsnotify.Write) {
		bits |= mask.Modify
	}
	if event.Has(fsnotify.Chmod) {
		bits |= mask.Attrib
	}
	if event.Has(fsnotify.Remove) {
		bits |= mask.DeleteSelf
	}
	if event.Has(fsnotify.Rename) {
		bits |= mask.MoveSelf
	}
	return bits
}

func childBits(event fsnotify.Event) mask.Mask {
	var bits mask.Mask
	if event.Has(fsnotify.Write) {
		bits |= mask.Modify
	}
	if event.Has(fsnotify.Chmod) {
		bits |= mask.Attrib
	}
	if event.Has(fsnotify.Create) {
		bits |= mask.Create
	}
	if event.Has(fsnotify.Remove) {
		bits |= mask.Delete
	}
	if event.Has(fsnotify.Rename) {
		bits |= mask.MovedFrom
	}
	return bits
}

// recordQueue is an in-memory record stream with a byte bound. Once full,
// further records are replaced by one overflow marker until it drains.
type recordQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	buf        bytes.Buffer
	limit      int
	overflowed bool
	err        error
}

func newRecordQueue(limit int) *recordQueue {
	q := &recordQueue{limit: limit}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends the encoded record.
func (q *recordQueue) Push(ev RawEvent) {
	rec := Encode(nil, ev)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return
	}

	if q.buf.Len()+len(rec) > q.limit {
		if !q.overflowed {
			q.buf.Write(Encode(nil, RawEvent{WD: -1, Mask: mask.Overflow}))
			q.overflowed = true
			q.cond.Broadcast()
		}
		return
	}

	q.buf.Write(rec)
	q.cond.Broadcast()
}

// CloseWithError makes Read return err once the queued records are consumed.
func (q *recordQueue) CloseWithError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
	q.cond.Broadcast()
}

// Read blocks until records are queued or the queue is closed.
func (q *recordQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.buf.Len() == 0 && q.err == nil {
		q.cond.Wait()
	}
	if q.buf.Len() == 0 {
		return 0, q.err
	}

	n, _ := q.buf.Read(p)
	if q.buf.Len() == 0 {
		q.overflowed = false
	}
	return n, nil
}
