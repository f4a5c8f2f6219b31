package harvest

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

var (
	// ErrStopFile is the stop cause when the marker file appears.
	ErrStopFile = errors.New("stop marker file present")
	// ErrMaxRuntime is the stop cause when the runtime budget is spent.
	ErrMaxRuntime = errors.New("max runtime reached")
	// ErrAborted wraps run-fatal causes such as quota exhaustion.
	ErrAborted = errors.New("harvest aborted")
)

// stopReason maps a stop cause to the label recorded in run_stopped.
func stopReason(cause error) string {
	switch {
	case cause == nil:
		return "completed"
	case errors.Is(cause, ErrStopFile):
		return "stop_file"
	case errors.Is(cause, ErrMaxRuntime):
		return "max_runtime"
	case errors.Is(cause, ErrAborted) && errorsIsQuota(cause):
		return "quota_exhausted"
	case errors.Is(cause, ErrAborted):
		return "fatal_error"
	default:
		return "cancelled"
	}
}

func markerPresent(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// stopWatcher fires once when the marker file exists. fsnotify gives an
// immediate reaction; polling covers filesystems without notifications.
type stopWatcher struct {
	path   string
	poll   time.Duration
	logger *slog.Logger
}

func (w *stopWatcher) watch(ctx context.Context, onStop func()) {
	if w.path == "" {
		return
	}
	if markerPresent(w.path) {
		onStop()
		return
	}

	target, err := filepath.Abs(w.path)
	if err != nil {
		target = filepath.Clean(w.path)
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := watcher.Add(filepath.Dir(target)); addErr != nil {
			w.logger.Debug("stop marker watch unavailable, polling only",
				slog.String("path", w.path), slog.Any("error", addErr))
			watcher.Close()
			watcher = nil
		} else {
			events, errs = watcher.Events, watcher.Errors
			defer watcher.Close()
		}
	} else {
		w.logger.Debug("fsnotify unavailable, polling only", slog.Any("error", err))
	}

	poll := w.poll
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			if markerPresent(w.path) {
				w.logger.Info("stop marker detected", slog.String("path", w.path))
				onStop()
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("stop marker watch error", slog.Any("error", err))
		case <-ticker.C:
			if markerPresent(w.path) {
				w.logger.Info("stop marker detected", slog.String("path", w.path))
				onStop()
				return
			}
		}
	}
}
