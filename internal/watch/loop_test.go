package watch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/onevent/internal/command"
	"github.com/TFMV/onevent/internal/mask"
)

type loopFixture struct {
	ops      []string
	notifier *fakeNotifier
	table    *Table
	runner   *recordingRunner
	loop     *Loop
}

// newLoopFixture registers paths (wd 1..n) and queues records for the loop
func newLoopFixture(t *testing.T, m mask.Mask, paths []string, args []string, records ...RawEvent) *loopFixture {
	t.Helper()

	f := &loopFixture{}
	f.notifier = newFakeNotifier(&f.ops, records...)
	f.table = NewTable(f.notifier, m, paths, nil)
	require.NoError(t, f.table.RegisterAll())

	tmpl, err := command.NewTemplate(args, command.PolicyInline)
	require.NoError(t, err)

	f.runner = &recordingRunner{ops: &f.ops}
	f.loop = NewLoop(f.notifier, f.table, tmpl, f.runner, nil)
	return f
}

// run drains the stream; the fake ends with io.EOF
func (f *loopFixture) run(t *testing.T) {
	t.Helper()
	err := f.loop.Run(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestLoopDispatchesMatchingEvent(t *testing.T) {
	f := newLoopFixture(t, mask.Modify, []string{"/tmp/f"}, []string{"echo", "{}"},
		RawEvent{WD: 1, Mask: mask.Modify},
	)
	f.run(t)

	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, []string{"echo", "/tmp/f"}, f.runner.calls[0])

	// Disable strictly before the command, re-enable strictly after
	assert.Equal(t, []string{
		"add /tmp/f 1",
		"rm 1",
		"run echo /tmp/f",
		"add /tmp/f 2",
	}, f.ops)

	wd, live := f.table.Entry(0).WD()
	require.True(t, live, "watch must be live again after dispatch")
	assert.Equal(t, 2, wd)

	stats := f.loop.Stats()
	assert.Equal(t, int64(1), stats.Events)
	assert.Equal(t, int64(1), stats.Dispatched)
}

func TestLoopNeverDispatchesMarkers(t *testing.T) {
	f := newLoopFixture(t, mask.AllEvents, []string{"/tmp/f"}, []string{"true"},
		RawEvent{WD: 1, Mask: mask.Overflow | mask.Modify},
		RawEvent{WD: -1, Mask: mask.Overflow},
		RawEvent{WD: 1, Mask: mask.Ignored | mask.Modify},
		RawEvent{WD: 1, Mask: mask.Ignored},
	)
	f.run(t)

	assert.Empty(t, f.runner.calls)
	stats := f.loop.Stats()
	assert.Equal(t, int64(2), stats.Overflows)
	assert.Equal(t, int64(2), stats.Stale)
}

func TestLoopFiltersUnrequestedEvents(t *testing.T) {
	f := newLoopFixture(t, mask.Modify, []string{"/tmp/f"}, []string{"true"},
		RawEvent{WD: 1, Mask: mask.Attrib},
		RawEvent{WD: 1, Mask: mask.Open | mask.Access},
		RawEvent{WD: 1, Mask: mask.Attrib | mask.Modify},
	)
	f.run(t)

	// Only the compound record sharing a requested bit dispatches
	assert.Len(t, f.runner.calls, 1)
	assert.Equal(t, int64(2), f.loop.Stats().Filtered)
}

func TestLoopIgnoresStaleDescriptors(t *testing.T) {
	f := newLoopFixture(t, mask.Modify, []string{"/tmp/f"}, []string{"true"},
		RawEvent{WD: 42, Mask: mask.Modify},
	)
	f.run(t)

	assert.Empty(t, f.runner.calls)
	assert.Equal(t, int64(1), f.loop.Stats().Stale)
}

// TestLoopDisabledWatchMasksBufferedRecords checks records queued for a
// descriptor before it was disabled are not dispatched
func TestLoopDisabledWatchMasksBufferedRecords(t *testing.T) {
	f := newLoopFixture(t, mask.Modify, []string{"/tmp/f", "/tmp/g"}, []string{"touch", "{}"},
		RawEvent{WD: 1, Mask: mask.Modify},
		RawEvent{WD: 1, Mask: mask.Modify}, // buffered while the first command ran
		RawEvent{WD: 1, Mask: mask.Modify},
		RawEvent{WD: 2, Mask: mask.Modify},
	)
	f.run(t)

	require.Len(t, f.runner.calls, 2)
	assert.Equal(t, []string{"touch", "/tmp/f"}, f.runner.calls[0])
	assert.Equal(t, []string{"touch", "/tmp/g"}, f.runner.calls[1])
	assert.Equal(t, int64(2), f.loop.Stats().Stale)
}

func TestLoopToleratesShortReads(t *testing.T) {
	f := newLoopFixture(t, mask.CloseWrite, []string{"/src"}, []string{"make", "-C", "{}"},
		RawEvent{WD: 1, Mask: mask.CloseWrite, Name: "main.c"},
		RawEvent{WD: 1, Mask: mask.CloseWrite, Name: "util.c"},
	)
	f.notifier.stream = iotest.OneByteReader(f.notifier.stream)
	f.run(t)

	// The second record targets the descriptor replaced after the first run
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, []string{"make", "-C", "/src"}, f.runner.calls[0])
}

func TestLoopSurvivesCommandFailure(t *testing.T) {
	f := newLoopFixture(t, mask.Modify, []string{"/a", "/b"}, []string{"false"},
		RawEvent{WD: 1, Mask: mask.Modify},
		RawEvent{WD: 2, Mask: mask.Modify},
	)
	f.runner.onRun = func([]string) error {
		return &command.StartError{Program: "false", Err: os.ErrNotExist}
	}
	f.run(t)

	assert.Len(t, f.runner.calls, 2)
	assert.Equal(t, int64(2), f.loop.Stats().Failed)

	for i := 0; i < 2; i++ {
		_, live := f.table.Entry(i).WD()
		assert.True(t, live, "entry %d should be re-enabled", i)
	}
}

// TestLoopReenableFailure keeps running with the path left unmonitored
func TestLoopReenableFailure(t *testing.T) {
	f := newLoopFixture(t, mask.DeleteSelf, []string{"/a", "/b"}, []string{"echo", "{}"},
		RawEvent{WD: 1, Mask: mask.DeleteSelf},
		RawEvent{WD: 2, Mask: mask.DeleteSelf},
	)
	f.runner.onRun = func(argv []string) error {
		f.notifier.addErr[argv[1]] = &os.PathError{Op: "add", Path: argv[1], Err: os.ErrNotExist}
		return nil
	}
	f.run(t)

	assert.Len(t, f.runner.calls, 2)
	for i := 0; i < 2; i++ {
		_, live := f.table.Entry(i).WD()
		assert.False(t, live, "entry %d should stay disabled", i)
	}
}

func TestLoopMalformedRecordIsFatal(t *testing.T) {
	f := newLoopFixture(t, mask.Modify, []string{"/a"}, []string{"true"})
	header := Encode(nil, RawEvent{WD: 1, Mask: mask.Modify})
	header[12], header[13], header[14], header[15] = 0xff, 0xff, 0xff, 0x7f
	f.notifier.stream = bytes.NewReader(header)

	err := f.loop.Run(context.Background())
	require.ErrorIs(t, err, ErrMalformedEvent)
	assert.Empty(t, f.runner.calls)
}

func TestLoopStopsOnCancel(t *testing.T) {
	f := newLoopFixture(t, mask.Modify, []string{"/a"}, []string{"true"},
		RawEvent{WD: 1, Mask: mask.Modify},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.loop.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, f.runner.calls)
}

// TestLoopSkipsReenableOnShutdown leaves the watch removed when the context
// is cancelled while the command runs
func TestLoopSkipsReenableOnShutdown(t *testing.T) {
	f := newLoopFixture(t, mask.Modify, []string{"/tmp/f"}, []string{"true"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.runner.onRun = func([]string) error {
		cancel()
		return context.Canceled
	}

	require.True(t, f.loop.Handle(ctx, RawEvent{WD: 1, Mask: mask.Modify}))
	assert.Equal(t, []string{"add /tmp/f 1", "rm 1", "run true"}, f.ops)

	_, live := f.table.Entry(0).WD()
	assert.False(t, live)
}
