// Package endpoint tracks durable endpoint registrations: the persistent
// map from subject to mailbox on disk.
package endpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicate = errors.New("endpoint already registered")
	ErrNotFound  = errors.New("endpoint not found")
)

// Info is a single durable registration.
type Info struct {
	Subject      string    `json:"subject"`
	Hash         string    `json:"hash"`
	MaildirPath  string    `json:"maildirPath"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// registryFile is the on-disk shape of the registry.
type registryFile struct {
	Endpoints []Info `json:"endpoints"`
}

// Hash derives the on-disk directory name for a subject: the first
// 12 hex characters of its SHA-256. Deterministic and pure.
func Hash(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	return hex.EncodeToString(sum[:])[:12]
}

// Manager owns the endpoint registry. It is loaded once at start and
// mutated in memory; every mutation rewrites the registry file atomically.
type Manager struct {
	path        string // endpoints.json
	mailboxRoot string

	mu        sync.RWMutex
	endpoints map[string]Info // keyed by subject

	log zerolog.Logger
}

// Load reads the registry file (which may not exist yet) and returns a
// manager over it. Mailbox paths are derived from mailboxRoot.
func Load(path, mailboxRoot string) (*Manager, error) {
	mgr := &Manager{
		path:        path,
		mailboxRoot: mailboxRoot,
		endpoints:   make(map[string]Info),
		log:         log.With().Str("component", "endpoints").Logger(),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return mgr, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "read endpoint registry")
	}

	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, errors.Wrap(err, "parse endpoint registry")
	}
	for _, ep := range reg.Endpoints {
		mgr.endpoints[ep.Subject] = ep
	}
	mgr.log.Debug().Int("count", len(mgr.endpoints)).Msg("endpoint registry loaded")
	return mgr, nil
}

// Register adds a new endpoint and persists the registry.
// Reports ErrDuplicate if the subject is already registered.
func (mgr *Manager) Register(subject string, now time.Time) (Info, error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if _, ok := mgr.endpoints[subject]; ok {
		return Info{}, errors.Wrapf(ErrDuplicate, "subject %q", subject)
	}

	h := Hash(subject)
	ep := Info{
		Subject:      subject,
		Hash:         h,
		MaildirPath:  filepath.Join(mgr.mailboxRoot, h),
		RegisteredAt: now,
	}
	mgr.endpoints[subject] = ep

	if err := mgr.persistLocked(); err != nil {
		delete(mgr.endpoints, subject)
		return Info{}, err
	}
	mgr.log.Info().Str("subject", subject).Str("hash", h).Msg("endpoint registered")
	return ep, nil
}

// Unregister removes an endpoint and persists the registry. Idempotent:
// removing an unknown subject reports removed=false without error.
func (mgr *Manager) Unregister(subject string) (removed bool, err error) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	ep, ok := mgr.endpoints[subject]
	if !ok {
		return false, nil
	}
	delete(mgr.endpoints, subject)

	if err := mgr.persistLocked(); err != nil {
		mgr.endpoints[subject] = ep
		return false, err
	}
	mgr.log.Info().Str("subject", subject).Msg("endpoint unregistered")
	return true, nil
}

// Get looks up an endpoint by subject.
func (mgr *Manager) Get(subject string) (Info, error) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	ep, ok := mgr.endpoints[subject]
	if !ok {
		return Info{}, errors.Wrapf(ErrNotFound, "subject %q", subject)
	}
	return ep, nil
}

// GetByHash looks up an endpoint by its mailbox hash.
func (mgr *Manager) GetByHash(hash string) (Info, error) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	for _, ep := range mgr.endpoints {
		if ep.Hash == hash {
			return ep, nil
		}
	}
	return Info{}, errors.Wrapf(ErrNotFound, "hash %q", hash)
}

// List returns a stable snapshot of all registrations, sorted by subject.
func (mgr *Manager) List() []Info {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	out := make([]Info, 0, len(mgr.endpoints))
	for _, ep := range mgr.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

// persistLocked rewrites the registry file. Callers hold mgr.mu.
func (mgr *Manager) persistLocked() error {
	reg := registryFile{Endpoints: make([]Info, 0, len(mgr.endpoints))}
	for _, ep := range mgr.endpoints {
		reg.Endpoints = append(reg.Endpoints, ep)
	}
	sort.Slice(reg.Endpoints, func(i, j int) bool {
		return reg.Endpoints[i].Subject < reg.Endpoints[j].Subject
	})

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode endpoint registry")
	}
	return errors.Wrap(renameio.WriteFile(mgr.path, data, 0644), "write endpoint registry")
}
