// Package watch runs one filesystem watcher per endpoint mailbox,
// pushing newly arrived envelopes to a dispatch callback.
//
// Files land in new/ by rename, so a create event means a complete
// envelope. Events are debounced into a scan of new/ rather than handled
// one-by-one, which also sweeps up anything that arrived while the
// watcher was down.
package watch

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"relay.dev/relay/maildir"
)

const settleDelay = 50 * time.Millisecond

// DispatchFunc handles one envelope present in an endpoint's new/
// directory. The callback owns moving the file out of new/; a file it
// leaves behind will be offered again on the next scan.
type DispatchFunc func(endpointHash, name string)

// Manager owns the per-endpoint watchers.
type Manager struct {
	mails    *maildir.Store
	dispatch DispatchFunc

	mu       sync.Mutex
	watchers map[string]*endpointWatcher
	closed   bool

	log zerolog.Logger
}

func NewManager(mails *maildir.Store, dispatch DispatchFunc) *Manager {
	return &Manager{
		mails:    mails,
		dispatch: dispatch,
		watchers: make(map[string]*endpointWatcher),
		log:      log.With().Str("component", "watch").Logger(),
	}
}

// Watch starts a watcher on the endpoint's new/ directory and scans any
// backlog already present. Watching an already-watched endpoint is a
// no-op.
func (m *Manager) Watch(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("watch manager closed")
	}
	if _, ok := m.watchers[hash]; ok {
		return nil
	}

	w, err := newEndpointWatcher(hash, m.mails, m.dispatch, m.log)
	if err != nil {
		return err
	}
	m.watchers[hash] = w
	return nil
}

// Unwatch stops the endpoint's watcher, if any.
func (m *Manager) Unwatch(hash string) {
	m.mu.Lock()
	w := m.watchers[hash]
	delete(m.watchers, hash)
	m.mu.Unlock()

	if w != nil {
		w.close()
	}
}

// Close stops every watcher and waits for their goroutines.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	watchers := m.watchers
	m.watchers = make(map[string]*endpointWatcher)
	m.mu.Unlock()

	for _, w := range watchers {
		w.close()
	}
	return nil
}

type endpointWatcher struct {
	hash     string
	mails    *maildir.Store
	dispatch DispatchFunc
	fsw      *fsnotify.Watcher
	scan     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	log      zerolog.Logger
}

func newEndpointWatcher(hash string, mails *maildir.Store, dispatch DispatchFunc, logger zerolog.Logger) (*endpointWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create mailbox watcher")
	}
	if err := fsw.Add(mails.Dir(hash, maildir.DirNew)); err != nil {
		_ = fsw.Close()
		return nil, errors.Wrap(err, "watch mailbox")
	}

	w := &endpointWatcher{
		hash:     hash,
		mails:    mails,
		dispatch: dispatch,
		fsw:      fsw,
		scan:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		log:      logger.With().Str("endpoint", hash).Logger(),
	}
	go w.loop()

	// Sweep whatever was already waiting before the watcher existed.
	w.requestScan()
	return w, nil
}

func (w *endpointWatcher) requestScan() {
	select {
	case w.scan <- struct{}{}:
	default:
	}
}

func (w *endpointWatcher) loop() {
	defer close(w.done)
	settled := debounce.New(settleDelay)

	for {
		select {
		case <-w.stop:
			_ = w.fsw.Close()
			return

		case <-w.scan:
			w.scanNew()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				settled(w.requestScan)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("mailbox watcher error")
		}
	}
}

func (w *endpointWatcher) scanNew() {
	names, err := w.mails.ListNew(w.hash)
	if err != nil {
		w.log.Warn().Err(err).Msg("unable to scan mailbox")
		return
	}
	for _, name := range names {
		select {
		case <-w.stop:
			return
		default:
		}
		w.dispatch(w.hash, name)
	}
}

func (w *endpointWatcher) close() {
	close(w.stop)
	<-w.done
}
