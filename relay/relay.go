// Package relay implements the file-backed message bus: durable Maildir
// mailboxes per endpoint, a SQLite secondary index, subject-based routing
// with in-process subscribers and external adapter fan-out, access
// control, per-message budgets, and reliability gating.
package relay

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go4.org/syncutil"

	"relay.dev/pkg/filewatch"
	"relay.dev/relay/access"
	"relay.dev/relay/adapter"
	"relay.dev/relay/config"
	"relay.dev/relay/deadletter"
	"relay.dev/relay/endpoint"
	"relay.dev/relay/envelope"
	"relay.dev/relay/index"
	"relay.dev/relay/maildir"
	"relay.dev/relay/reliability"
	"relay.dev/relay/signal"
	"relay.dev/relay/subject"
	"relay.dev/relay/watch"
)

// Well-known filenames under the data directory.
const (
	mailboxesDir    = "mailboxes"
	endpointsFile   = "endpoints.json"
	accessRulesFile = "access-rules.json"
	configFile      = "config.json"
	indexFile       = "index.db"
)

// Options configures a Relay.
type Options struct {
	// DataDir is the root of all bus state. Required.
	DataDir string

	// Adapters is the external adapter registry offered every publish.
	// Optional.
	Adapters adapter.Registry

	// AdapterContext, when set, builds the extra context passed to the
	// adapter registry for a subject.
	AdapterContext func(subj string) map[string]any
}

// Relay is the bus facade. Multiple instances with disjoint data
// directories coexist within a process.
type Relay struct {
	opts Options
	log  zerolog.Logger

	idgen     *envelope.IDGenerator
	endpoints *endpoint.Manager
	mails     *maildir.Store
	idx       *index.Store
	rules     *access.Manager
	cfg       *config.Source
	limiter   *reliability.RateLimiter
	breakers  *reliability.BreakerSet
	pressure  *reliability.Probe
	dlq       *deadletter.Queue
	signals   *signal.Emitter
	watchers  *watch.Manager

	rulesWatch *filewatch.Watcher
	cfgWatch   *filewatch.Watcher

	subMu sync.RWMutex
	subs  []subscription

	// inflight names the mailbox files the synchronous dispatch path is
	// handling, so the push watcher doesn't deliver them twice.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	closed    atomic.Bool
	closeOnce syncutil.Once
}

// Open loads or initializes all bus state under opts.DataDir.
func Open(opts Options) (_ *Relay, err error) {
	if opts.DataDir == "" {
		return nil, errors.New("relay: DataDir is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create data directory")
	}

	r := &Relay{
		opts:     opts,
		log:      log.With().Str("component", "relay").Str("dir", opts.DataDir).Logger(),
		idgen:    envelope.NewIDGenerator(),
		mails:    maildir.New(filepath.Join(opts.DataDir, mailboxesDir)),
		breakers: reliability.NewBreakerSet(),
		signals:  signal.NewEmitter(),
		inflight: make(map[string]struct{}),
	}
	defer func() {
		if err != nil {
			r.closeQuietly()
		}
	}()

	r.cfg, err = config.Open(filepath.Join(opts.DataDir, configFile))
	if err != nil {
		return nil, err
	}
	r.idx, err = index.Open(filepath.Join(opts.DataDir, indexFile))
	if err != nil {
		return nil, err
	}
	r.endpoints, err = endpoint.Load(filepath.Join(opts.DataDir, endpointsFile), r.mails.Root())
	if err != nil {
		return nil, err
	}
	r.rules, err = access.Load(filepath.Join(opts.DataDir, accessRulesFile))
	if err != nil {
		return nil, err
	}

	r.limiter = reliability.NewRateLimiter(r.idx)
	r.pressure = reliability.NewProbe(r.mails)
	r.dlq = deadletter.New(r.mails, r.idx)
	r.watchers = watch.NewManager(r.mails, r.handlePush)

	// Resume watching every registered endpoint, sweeping stale tmp files
	// left by an earlier crash.
	for _, ep := range r.endpoints.List() {
		if err := r.mails.Ensure(ep.Hash); err != nil {
			return nil, err
		}
		r.mails.CleanTmp(ep.Hash)
		if err := r.watchers.Watch(ep.Hash); err != nil {
			return nil, err
		}
	}

	r.rulesWatch, err = filewatch.New(r.rules.Path(), func() {
		if err := r.rules.Reload(); err != nil {
			r.log.Warn().Err(err).Msg("access rules reload failed, keeping previous rules")
		}
	})
	if err != nil {
		return nil, err
	}
	r.cfgWatch, err = filewatch.New(r.cfg.Path(), r.cfg.Reload)
	if err != nil {
		return nil, err
	}

	if opts.Adapters != nil {
		opts.Adapters.SetRelay(publisherView{r})
	}

	r.log.Info().Int("endpoints", len(r.endpoints.List())).Msg("relay opened")
	return r, nil
}

// checkOpen guards every public operation.
func (r *Relay) checkOpen() error {
	if r.closed.Load() {
		return errors.WithStack(ErrRelayClosed)
	}
	return nil
}

// Close stops all watchers, shuts down the adapter registry and closes
// the index, checkpointing its WAL. Idempotent: the shutdown runs once,
// even if it reported an error, and a second call returns nil.
func (r *Relay) Close() error {
	r.closed.Store(true)
	var closeErr error
	_ = r.closeOnce.Do(func() error {
		var result *multierror.Error

		if r.rulesWatch != nil {
			result = multierror.Append(result, r.rulesWatch.Close())
		}
		if r.cfgWatch != nil {
			result = multierror.Append(result, r.cfgWatch.Close())
		}
		if r.watchers != nil {
			result = multierror.Append(result, r.watchers.Close())
		}
		if r.opts.Adapters != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			result = multierror.Append(result, r.opts.Adapters.Shutdown(ctx))
			cancel()
		}
		r.signals.Clear()
		r.clearSubscriptions()
		if r.idx != nil {
			result = multierror.Append(result, r.idx.Close())
		}

		r.log.Info().Msg("relay closed")
		// syncutil.Once re-runs a func that returned an error, so the
		// outcome is carried out through closeErr instead.
		closeErr = result.ErrorOrNil()
		return nil
	})
	return closeErr
}

// closeQuietly tears down partially-opened state when Open fails.
func (r *Relay) closeQuietly() {
	if r.rulesWatch != nil {
		_ = r.rulesWatch.Close()
	}
	if r.cfgWatch != nil {
		_ = r.cfgWatch.Close()
	}
	if r.watchers != nil {
		_ = r.watchers.Close()
	}
	if r.idx != nil {
		_ = r.idx.Close()
	}
}

// RegisterEndpoint creates a durable registration for a concrete subject,
// its mailbox directories, and a push watcher.
func (r *Relay) RegisterEndpoint(subj string) (endpoint.Info, error) {
	if err := r.checkOpen(); err != nil {
		return endpoint.Info{}, err
	}
	if err := subject.Validate(subj); err != nil {
		return endpoint.Info{}, err
	}

	ep, err := r.endpoints.Register(subj, time.Now().UTC())
	if err != nil {
		return endpoint.Info{}, err
	}
	if err := r.mails.Ensure(ep.Hash); err != nil {
		_, _ = r.endpoints.Unregister(subj)
		return endpoint.Info{}, err
	}
	if err := r.watchers.Watch(ep.Hash); err != nil {
		_, _ = r.endpoints.Unregister(subj)
		return endpoint.Info{}, err
	}
	return ep, nil
}

// UnregisterEndpoint removes a registration and stops its watcher. The
// mailbox stays on disk. Idempotent.
func (r *Relay) UnregisterEndpoint(subj string) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}

	hash := endpoint.Hash(subj)
	removed, err := r.endpoints.Unregister(subj)
	if err != nil {
		return false, err
	}
	if removed {
		r.watchers.Unwatch(hash)
		r.breakers.Forget(hash)
	}
	return removed, nil
}

// ListEndpoints returns a snapshot of all registrations.
func (r *Relay) ListEndpoints() ([]endpoint.Info, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.endpoints.List(), nil
}
