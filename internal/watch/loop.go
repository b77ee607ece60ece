package watch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/TFMV/onevent/internal/command"
	"github.com/TFMV/onevent/internal/mask"
)

// Stats counts what the loop did with the records it read.
type Stats struct {
	Events     int64 // Records decoded
	Dispatched int64 // Commands run
	Overflows  int64 // Queue overflow markers
	Stale      int64 // Records for unknown or ignored descriptors
	Filtered   int64 // Records outside the requested mask
	Failed     int64 // Commands that failed to start or exited non-zero
}

// Loop reads notification records and runs the command template for each
// record that matches a watched path and the requested mask.
type Loop struct {
	table    *Table
	decoder  *Decoder
	template command.Template
	runner   command.Runner
	logger   *zap.Logger
	stats    Stats
}

// NewLoop creates a loop reading from n. The table must be built on the same
// notifier.
func NewLoop(n Notifier, table *Table, tmpl command.Template, runner command.Runner, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		table:    table,
		decoder:  NewDecoder(n),
		template: tmpl,
		runner:   runner,
		logger:   logger,
	}
}

// Stats returns the counters. Only call it once Run has returned.
func (l *Loop) Stats() Stats {
	return l.stats
}

// Run processes records until reading fails. It returns ctx.Err() when the
// failure follows a cancellation, which is how a closed notifier ends it.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := l.decoder.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("event loop: %w", err)
		}

		l.Handle(ctx, ev)
	}
}

// Handle processes one record and reports whether a command was run.
func (l *Loop) Handle(ctx context.Context, ev RawEvent) bool {
	l.stats.Events++

	switch {
	case ev.Mask.Has(mask.Overflow):
		l.stats.Overflows++
		l.logger.Warn("event queue overflowed, events were lost")
		return false
	case ev.Mask.Has(mask.Ignored):
		l.stats.Stale++
		return false
	}

	index, ok := l.table.Lookup(int(ev.WD))
	if !ok {
		l.stats.Stale++
		l.logger.Debug("event for stale descriptor", zap.Int32("wd", ev.WD), zap.Stringer("mask", ev.Mask))
		return false
	}

	if !ev.Mask.Has(l.table.Mask()) {
		l.stats.Filtered++
		return false
	}

	entry := l.table.Entry(index)
	l.logger.Debug("event",
		zap.String("path", entry.Path),
		zap.Stringer("mask", ev.Mask),
		zap.String("name", ev.Name),
	)

	// Disable before running, or the command's own activity re-triggers it
	if err := l.table.Disable(index); err != nil {
		l.logger.Debug("disable watch", zap.Error(err))
	}

	l.stats.Dispatched++
	if err := l.runner.Run(ctx, l.template.Expand(entry.Path)); err != nil {
		l.stats.Failed++
		l.logCommandError(entry.Path, err)
	}

	// Shutting down: the notifier is being closed under us
	if ctx.Err() != nil {
		return true
	}

	// Soft failure, already logged by the table
	_ = l.table.Enable(index)
	return true
}

func (l *Loop) logCommandError(path string, err error) {
	var (
		exitErr  *exec.ExitError
		startErr *command.StartError
	)
	switch {
	case errors.As(err, &exitErr):
		l.logger.Debug("command exited with non-zero status",
			zap.String("path", path),
			zap.Int("status", exitErr.ExitCode()),
		)
	case errors.As(err, &startErr):
		// The runner has already reported it on stderr
		l.logger.Debug("command failed to start", zap.String("path", path), zap.Error(err))
	default:
		l.logger.Warn("command failed", zap.String("path", path), zap.Error(err))
	}
}
