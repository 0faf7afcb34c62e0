// Package maildir implements the per-endpoint on-disk queue.
//
// Each endpoint owns four subdirectories under <root>/<hash>/:
// tmp/ holds in-progress writes, new/ delivered-but-unconsumed envelopes,
// cur/ processed envelopes kept for audit and index rebuilds, and failed/
// dead-lettered envelopes with a sibling <name>.reason file.
//
// Envelopes are written to tmp/ and renamed into new/, so presence in new/
// is the sole authoritative "undelivered" signal; a crash mid-write leaves
// at most a stray tmp/ file which is garbage-collected on the next start.
package maildir

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"relay.dev/relay/envelope"
)

// Subdirectory names, which double as message statuses in the index.
const (
	DirTmp    = "tmp"
	DirNew    = "new"
	DirCur    = "cur"
	DirFailed = "failed"
)

var subdirs = []string{DirTmp, DirNew, DirCur, DirFailed}

// reasonSuffix marks the sidecar file carrying a failure reason.
const reasonSuffix = ".reason"

// Store manages mailbox directories under a single root.
type Store struct {
	root string
	log  zerolog.Logger
}

func New(root string) *Store {
	return &Store{
		root: root,
		log:  log.With().Str("component", "maildir").Logger(),
	}
}

// Root returns the directory all mailboxes live under.
func (s *Store) Root() string { return s.root }

// MailboxPath returns the mailbox directory for an endpoint hash.
func (s *Store) MailboxPath(hash string) string {
	return filepath.Join(s.root, hash)
}

// Dir returns one of the four subdirectories of an endpoint's mailbox.
func (s *Store) Dir(hash, sub string) string {
	return filepath.Join(s.root, hash, sub)
}

// Ensure creates the four mailbox subdirectories. Idempotent.
func (s *Store) Ensure(hash string) error {
	for _, sub := range subdirs {
		if err := os.MkdirAll(s.Dir(hash, sub), 0755); err != nil {
			return errors.Wrap(err, "create mailbox directory")
		}
	}
	return nil
}

// Deliver writes the envelope to tmp/, fsyncs it, and renames it into new/.
// On any failure nothing is left in new/.
func (s *Store) Deliver(hash string, e *envelope.Envelope) (name string, err error) {
	data, err := e.Encode()
	if err != nil {
		return "", err
	}

	name = e.Filename()
	tmpPath := filepath.Join(s.Dir(hash, DirTmp), name)
	newPath := filepath.Join(s.Dir(hash, DirNew), name)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", errors.Wrap(err, "create envelope file")
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return "", errors.Wrap(err, "write envelope")
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return "", errors.Wrap(err, "sync envelope")
	}
	if err = f.Close(); err != nil {
		return "", errors.Wrap(err, "close envelope")
	}

	if err = os.Rename(tmpPath, newPath); err != nil {
		return "", errors.Wrap(err, "deliver envelope")
	}
	return name, nil
}

// MarkProcessed moves new/<name> to cur/<name>.
func (s *Store) MarkProcessed(hash, name string) error {
	src := filepath.Join(s.Dir(hash, DirNew), name)
	dst := filepath.Join(s.Dir(hash, DirCur), name)
	return errors.Wrap(os.Rename(src, dst), "mark processed")
}

// MarkFailed moves <name> from new/ (or tmp/, for writes that never made it)
// into failed/ and records the reason in a sidecar file.
func (s *Store) MarkFailed(hash, name, reason string) error {
	dst := filepath.Join(s.Dir(hash, DirFailed), name)

	src := filepath.Join(s.Dir(hash, DirNew), name)
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		src = filepath.Join(s.Dir(hash, DirTmp), name)
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrap(err, "mark failed")
	}

	reasonPath := dst + reasonSuffix
	if err := os.WriteFile(reasonPath, []byte(reason), 0644); err != nil {
		// The envelope itself made it to failed/; a missing sidecar only
		// loses the reason text.
		s.log.Warn().Err(err).Str("name", name).Msg("unable to write failure reason")
	}
	return nil
}

// WriteFailed writes an envelope directly into failed/ with a reason,
// bypassing new/. Used for envelopes rejected before delivery.
func (s *Store) WriteFailed(hash string, e *envelope.Envelope, reason string) (name string, err error) {
	data, err := e.Encode()
	if err != nil {
		return "", err
	}

	name = e.Filename()
	tmpPath := filepath.Join(s.Dir(hash, DirTmp), name)
	dst := filepath.Join(s.Dir(hash, DirFailed), name)

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", errors.Wrap(err, "write envelope")
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return "", errors.Wrap(err, "move to failed")
	}
	if err := os.WriteFile(dst+reasonSuffix, []byte(reason), 0644); err != nil {
		s.log.Warn().Err(err).Str("name", name).Msg("unable to write failure reason")
	}
	return name, nil
}

// List returns the envelope filenames in the given subdirectory, sorted.
// Reason sidecars are excluded.
func (s *Store) List(hash, sub string) ([]string, error) {
	entries, err := os.ReadDir(s.Dir(hash, sub))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "read mailbox directory")
	}

	var names []string
	for _, ent := range entries {
		if ent.IsDir() || strings.HasSuffix(ent.Name(), reasonSuffix) {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) ListNew(hash string) ([]string, error)    { return s.List(hash, DirNew) }
func (s *Store) ListFailed(hash string) ([]string, error) { return s.List(hash, DirFailed) }

// CountNew reports the number of undelivered envelopes. Used by the
// backpressure probe.
func (s *Store) CountNew(hash string) (int, error) {
	names, err := s.ListNew(hash)
	return len(names), err
}

// ReadEnvelope reads an envelope by name, looking in new/, cur/ and
// failed/ in that order.
func (s *Store) ReadEnvelope(hash, name string) (*envelope.Envelope, error) {
	for _, sub := range []string{DirNew, DirCur, DirFailed} {
		data, err := os.ReadFile(filepath.Join(s.Dir(hash, sub), name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, errors.Wrap(err, "read envelope")
		}
		return envelope.Decode(data)
	}
	return nil, errors.Wrapf(fs.ErrNotExist, "envelope %s", name)
}

// FailedReason returns the recorded reason for a failed envelope, or ""
// if no sidecar exists.
func (s *Store) FailedReason(hash, name string) string {
	data, err := os.ReadFile(filepath.Join(s.Dir(hash, DirFailed), name) + reasonSuffix)
	if err != nil {
		return ""
	}
	return string(data)
}

// CleanTmp removes stray tmp/ files left behind by interrupted writes.
func (s *Store) CleanTmp(hash string) {
	dir := s.Dir(hash, DirTmp)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if err := os.Remove(filepath.Join(dir, ent.Name())); err == nil {
			s.log.Debug().Str("name", ent.Name()).Msg("removed stale tmp file")
		}
	}
}

// Hashes lists the endpoint hashes that have mailbox directories on disk.
func (s *Store) Hashes() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "read mailbox root")
	}
	var hashes []string
	for _, ent := range entries {
		if ent.IsDir() {
			hashes = append(hashes, ent.Name())
		}
	}
	return hashes, nil
}
