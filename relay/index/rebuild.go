package index

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"relay.dev/relay/envelope"
	"relay.dev/relay/maildir"
)

// rebuildGroup coalesces concurrent Rebuild calls; whoever loses the race
// gets the winner's result.
var rebuildGroup singleflight.Group

// Rebuild drops every index row and re-scans the given mailboxes, restoring
// each envelope's status from the subdirectory containing it. Returns the
// number of rows restored.
func (s *Store) Rebuild(ctx context.Context, mails *maildir.Store, hashes []string) (int, error) {
	n, err, _ := rebuildGroup.Do(mails.Root(), func() (any, error) {
		return s.rebuild(ctx, mails, hashes)
	})
	if err != nil {
		return 0, err
	}
	return n.(int), nil
}

func (s *Store) rebuild(ctx context.Context, mails *maildir.Store, hashes []string) (int, error) {
	start := time.Now()

	var mu sync.Mutex
	var entries []Entry

	var g errgroup.Group
	for _, hash := range hashes {
		hash := hash
		g.Go(func() error {
			mails.CleanTmp(hash)

			var scanned []Entry
			for _, sub := range []string{maildir.DirNew, maildir.DirCur, maildir.DirFailed} {
				names, err := mails.List(hash, sub)
				if err != nil {
					return err
				}
				for _, name := range names {
					env, err := mails.ReadEnvelope(hash, name)
					if err != nil {
						s.log.Warn().Err(err).Str("name", name).Msg("skipping unreadable envelope")
						continue
					}
					scanned = append(scanned, Entry{
						ID:           env.ID,
						Subject:      env.Subject,
						Sender:       env.From,
						EndpointHash: hash,
						Status:       statusForDir(sub),
						CreatedAt:    env.CreatedAt,
						TTL:          env.Budget.TTL,
					})
				}
			}

			mu.Lock()
			entries = append(entries, scanned...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, errors.Wrap(err, "scan mailboxes")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin rebuild")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return 0, errors.Wrap(err, "clear index")
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, subject, sender, endpoint_hash, status, created_at, ttl)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id, endpoint_hash) DO NOTHING
		`, e.ID, e.Subject, e.Sender, e.EndpointHash, e.Status, e.CreatedAt.UnixMilli(), e.TTL)
		if err != nil {
			return 0, errors.Wrap(err, "insert message")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit rebuild")
	}

	s.log.Info().
		Int("rows", len(entries)).
		Int("mailboxes", len(hashes)).
		Dur("took", time.Since(start)).
		Msg("index rebuilt")
	return len(entries), nil
}

func statusForDir(sub string) string {
	switch sub {
	case maildir.DirCur:
		return StatusCur
	case maildir.DirFailed:
		return StatusFailed
	default:
		return StatusNew
	}
}

// EntryFromEnvelope builds the index row for an envelope written to an
// endpoint's mailbox.
func EntryFromEnvelope(e *envelope.Envelope, endpointHash, status string) Entry {
	return Entry{
		ID:           e.ID,
		Subject:      e.Subject,
		Sender:       e.From,
		EndpointHash: endpointHash,
		Status:       status,
		CreatedAt:    e.CreatedAt,
		TTL:          e.Budget.TTL,
	}
}
