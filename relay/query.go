package relay

import (
	"context"

	"relay.dev/relay/access"
	"relay.dev/relay/deadletter"
	"relay.dev/relay/endpoint"
	"relay.dev/relay/envelope"
	"relay.dev/relay/index"
)

// RelayMetrics summarizes the bus: the index projection plus the live
// registration count.
type RelayMetrics struct {
	TotalMessages int64
	ByStatus      map[string]int64
	BySubject     []index.SubjectCount
	Endpoints     int
}

// GetMessage returns the index rows for a message id, one per endpoint
// it was written to.
func (r *Relay) GetMessage(ctx context.Context, id string) ([]index.Entry, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.idx.Get(ctx, id)
}

// ListMessages pages through the index. The returned cursor is opaque;
// pass it back to continue.
func (r *Relay) ListMessages(ctx context.Context, q index.Query) ([]index.Entry, string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, "", err
	}
	return r.idx.List(ctx, q)
}

// InboxOpts controls ReadInbox.
type InboxOpts struct {
	// Limit caps the number of envelopes returned; 0 means all.
	Limit int
	// Consume moves each returned envelope to cur/, so repeated reads
	// drain the inbox.
	Consume bool
}

// ReadInbox returns the undelivered envelopes queued for an endpoint,
// oldest first.
func (r *Relay) ReadInbox(ctx context.Context, subj string, opts InboxOpts) ([]*envelope.Envelope, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	ep, err := r.endpoints.Get(subj)
	if err != nil {
		return nil, err
	}

	names, err := r.mails.ListNew(ep.Hash)
	if err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(names) > opts.Limit {
		names = names[:opts.Limit]
	}

	out := make([]*envelope.Envelope, 0, len(names))
	for _, name := range names {
		env, err := r.mails.ReadEnvelope(ep.Hash, name)
		if err != nil {
			r.log.Warn().Err(err).Str("name", name).Msg("skipping unreadable envelope")
			continue
		}
		out = append(out, env)
		if opts.Consume {
			if err := r.mails.MarkProcessed(ep.Hash, name); err != nil {
				r.log.Error().Err(err).Str("name", name).Msg("unable to consume envelope")
				continue
			}
			if err := r.idx.UpdateStatus(ctx, env.ID, ep.Hash, index.StatusCur); err != nil {
				r.log.Warn().Err(err).Str("id", env.ID).Msg("index update failed")
			}
		}
	}
	return out, nil
}

// GetDeadLetters pages through retained dead letters.
func (r *Relay) GetDeadLetters(ctx context.Context, opts deadletter.ListOpts) ([]deadletter.DeadLetter, string, error) {
	if err := r.checkOpen(); err != nil {
		return nil, "", err
	}
	return r.dlq.List(ctx, opts)
}

// AddAccessRule persists a rule; the hot-reload watcher picks the write
// up in other instances watching the same file.
func (r *Relay) AddAccessRule(rule access.Rule) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.rules.Add(rule)
}

// RemoveAccessRule deletes the rule with the given (from, to) pair.
func (r *Relay) RemoveAccessRule(from, to string) (bool, error) {
	if err := r.checkOpen(); err != nil {
		return false, err
	}
	return r.rules.Remove(from, to)
}

// ListAccessRules returns the rules sorted by priority descending.
func (r *Relay) ListAccessRules() ([]access.Rule, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.rules.List(), nil
}

// RebuildIndex drops the index and restores it from the mailbox
// directories, including mailboxes whose endpoints are no longer
// registered. Returns the number of rows restored.
func (r *Relay) RebuildIndex(ctx context.Context) (int, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	seen := make(map[string]bool)
	var hashes []string
	for _, ep := range r.endpoints.List() {
		seen[ep.Hash] = true
		hashes = append(hashes, ep.Hash)
	}
	onDisk, err := r.mails.Hashes()
	if err != nil {
		return 0, err
	}
	for _, h := range onDisk {
		if !seen[h] {
			hashes = append(hashes, h)
		}
	}

	return r.idx.Rebuild(ctx, r.mails, hashes)
}

// GetMetrics summarizes the bus state.
func (r *Relay) GetMetrics(ctx context.Context) (RelayMetrics, error) {
	if err := r.checkOpen(); err != nil {
		return RelayMetrics{}, err
	}
	m, err := r.idx.GetMetrics(ctx)
	if err != nil {
		return RelayMetrics{}, err
	}
	return RelayMetrics{
		TotalMessages: m.TotalMessages,
		ByStatus:      m.ByStatus,
		BySubject:     m.BySubject,
		Endpoints:     len(r.endpoints.List()),
	}, nil
}

// Hash exposes the endpoint hash derivation for callers that need to
// correlate publish results with mailboxes.
func Hash(subj string) string {
	return endpoint.Hash(subj)
}
