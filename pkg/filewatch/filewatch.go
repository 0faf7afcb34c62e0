// Package filewatch watches a single file for changes and invokes a
// callback after the write settles.
//
// The parent directory is watched rather than the file itself so that
// atomic rename-into-place writes (and recreation after deletion) are
// observed. Event bursts are debounced before the callback fires.
package filewatch

import (
	"path/filepath"
	"time"

	"github.com/bep/debounce"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const settleDelay = 100 * time.Millisecond

// Watcher observes one file until closed.
type Watcher struct {
	path string
	fsw  *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}
	log  zerolog.Logger
}

// New starts watching path, invoking onChange (on the watcher goroutine)
// after each settled change.
func New(path string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create file watcher")
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, errors.Wrap(err, "watch directory")
	}

	w := &Watcher{
		path: filepath.Clean(path),
		fsw:  fsw,
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  log.With().Str("component", "filewatch").Str("path", path).Logger(),
	}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func()) {
	defer close(w.done)
	settled := debounce.New(settleDelay)

	for {
		select {
		case <-w.stop:
			_ = w.fsw.Close()
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				settled(onChange)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("file watcher error")
		}
	}
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	close(w.stop)
	<-w.done
	return nil
}
