package relay

import (
	"context"

	"relay.dev/relay/index"
)

// handlePush is the mailbox watcher callback: an envelope is sitting in
// an endpoint's new/ directory. It covers cross-process arrivals and
// crash recovery; envelopes being handled by the synchronous publish
// path are skipped to prevent double delivery.
func (r *Relay) handlePush(endpointHash, name string) {
	if r.closed.Load() || r.isInflight(endpointHash, name) {
		return
	}

	ep, err := r.endpoints.GetByHash(endpointHash)
	if err != nil {
		// Unregistered while the event was in flight.
		return
	}

	env, err := r.mails.ReadEnvelope(endpointHash, name)
	if err != nil {
		// Most likely already moved by a racing consumer.
		r.log.Debug().Err(err).Str("name", name).Msg("push: envelope unreadable")
		return
	}

	subs := r.getSubscribers(env.Subject)
	if len(subs) == 0 {
		// Leave it queued for whoever consumes this mailbox.
		return
	}

	ctx := context.Background()
	rel := r.cfg.Current().Reliability

	if err := r.runHandlers(ctx, ep, env, subs); err != nil {
		r.log.Warn().Err(err).Str("id", env.ID).Str("endpoint", endpointHash).Msg("push delivery failed")
		if mErr := r.mails.MarkFailed(endpointHash, name, err.Error()); mErr != nil {
			r.log.Error().Err(mErr).Str("name", name).Msg("unable to fail envelope")
		}
		if iErr := r.idx.UpdateStatus(ctx, env.ID, endpointHash, index.StatusFailed); iErr != nil {
			r.log.Warn().Err(iErr).Str("id", env.ID).Msg("index update failed")
		}
		r.breakers.RecordFailure(endpointHash, rel.CircuitBreaker)
		return
	}

	if err := r.mails.MarkProcessed(endpointHash, name); err != nil {
		r.log.Error().Err(err).Str("name", name).Msg("unable to mark envelope processed")
	}
	if err := r.idx.UpdateStatus(ctx, env.ID, endpointHash, index.StatusCur); err != nil {
		r.log.Warn().Err(err).Str("id", env.ID).Msg("index update failed")
	}
	r.breakers.RecordSuccess(endpointHash)
}
