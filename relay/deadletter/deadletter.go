// Package deadletter retains undeliverable envelopes in the mailbox
// failed/ directories, with the rejection reason alongside.
//
// Only three things dead-letter: budget rejections, handler crashes during
// push delivery, and publishes nothing matched. Reliability rejections
// (rate limit, open breaker, backpressure) never do.
package deadletter

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"relay.dev/relay/envelope"
	"relay.dev/relay/index"
	"relay.dev/relay/maildir"
)

// DeadLetter is one retained envelope with its rejection reason.
type DeadLetter struct {
	EndpointHash string
	Name         string
	Reason       string
	Envelope     *envelope.Envelope
}

// ListOpts filters and paginates List. Cursor is the opaque value from a
// previous page.
type ListOpts struct {
	EndpointHash string
	Cursor       string
	Limit        int
}

// Queue writes rejected envelopes to failed/ and mirrors them in the index.
type Queue struct {
	mails *maildir.Store
	idx   *index.Store
	log   zerolog.Logger
}

func New(mails *maildir.Store, idx *index.Store) *Queue {
	return &Queue{
		mails: mails,
		idx:   idx,
		log:   log.With().Str("component", "deadletter").Logger(),
	}
}

// Reject writes the envelope to the endpoint's failed/ directory with the
// reason sidecar and records a failed index row. The file on disk is
// authoritative; an index failure is logged and absorbed.
func (q *Queue) Reject(ctx context.Context, endpointHash string, e *envelope.Envelope, reason string) error {
	if err := q.mails.Ensure(endpointHash); err != nil {
		return err
	}
	if _, err := q.mails.WriteFailed(endpointHash, e, reason); err != nil {
		return errors.Wrap(err, "dead-letter envelope")
	}
	q.log.Info().
		Str("id", e.ID).
		Str("subject", e.Subject).
		Str("endpoint", endpointHash).
		Str("reason", reason).
		Msg("envelope dead-lettered")

	if err := q.idx.Insert(ctx, index.EntryFromEnvelope(e, endpointHash, index.StatusFailed)); err != nil {
		q.log.Warn().Err(err).Str("id", e.ID).Msg("index insert failed for dead letter")
	}
	return nil
}

// List pages through dead letters from disk, oldest first, reasons
// extracted from the sidecars. An empty EndpointHash spans all mailboxes.
func (q *Queue) List(ctx context.Context, opts ListOpts) ([]DeadLetter, string, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	hashes := []string{opts.EndpointHash}
	if opts.EndpointHash == "" {
		var err error
		hashes, err = q.mails.Hashes()
		if err != nil {
			return nil, "", err
		}
		sort.Strings(hashes)
	}

	var out []DeadLetter
	for _, hash := range hashes {
		names, err := q.mails.ListFailed(hash)
		if err != nil {
			return nil, "", err
		}
		for _, name := range names {
			key := hash + "/" + name
			if opts.Cursor != "" && key <= opts.Cursor {
				continue
			}
			env, err := q.mails.ReadEnvelope(hash, name)
			if err != nil {
				q.log.Warn().Err(err).Str("name", name).Msg("skipping unreadable dead letter")
				continue
			}
			out = append(out, DeadLetter{
				EndpointHash: hash,
				Name:         name,
				Reason:       q.mails.FailedReason(hash, name),
				Envelope:     env,
			})
			if len(out) > limit {
				break
			}
		}
		if len(out) > limit {
			break
		}
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = last.EndpointHash + "/" + last.Name
	}
	return out, next, nil
}
