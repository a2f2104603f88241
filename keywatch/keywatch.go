// Package keywatch watches the agent's key material files for
// out-of-band changes -- an operator replacing SSH_KEY_FILE or
// SSH_HOST_KEYS_FILE on disk. It invokes a callback so the caller can
// force a session reconnect with the new material.
package keywatch

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher watches a fixed set of files and invokes OnChange whenever any
// of them is written or replaced.
type Watcher struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// New creates a Watcher over paths. Empty paths are skipped. Returns a
// nil Watcher and nil error if every path is empty, since there is
// nothing to watch.
func New(logger *slog.Logger, paths ...string) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var nonEmpty []string
	for _, p := range paths {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	if len(nonEmpty) == 0 {
		return nil, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	for _, p := range nonEmpty {
		if err := fsw.Add(p); err != nil {
			fsw.Close()
			return nil, errors.Wrapf(err, "watch %s", p)
		}
	}

	return &Watcher{watcher: fsw, logger: logger}, nil
}

// Run blocks, invoking onChange for every write/create/rename event on a
// watched path, until ctx is canceled.
func (w *Watcher) Run(ctx context.Context, onChange func(path string)) {
	defer w.watcher.Close()

	const mask = fsnotify.Write | fsnotify.Create | fsnotify.Rename

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&mask != 0 {
				w.logger.Info("key material changed on disk", "path", event.Name, "op", event.Op.String())
				onChange(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn(errors.Wrap(err, "key file watcher error").Error())
		}
	}
}
