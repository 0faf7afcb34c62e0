package relay

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/cockroachdb/errors"

	"relay.dev/relay/adapter"
	"relay.dev/relay/budget"
	"relay.dev/relay/endpoint"
	"relay.dev/relay/envelope"
	"relay.dev/relay/index"
	"relay.dev/relay/reliability"
	"relay.dev/relay/signal"
	"relay.dev/relay/subject"
)

// Rejection reasons produced by the pipeline itself, in addition to the
// budget and reliability reasons.
const (
	reasonIOError      = "io_error"
	reasonHandlerError = "handler_error"
	reasonNoRoute      = "no_route"
)

// PublishOptions carries the sender identity and optional envelope
// metadata for one publish call.
type PublishOptions struct {
	// From is the concrete subject identifying the sender. Required;
	// access control and rate limiting key on it.
	From string

	// ReplyTo optionally names where responses should go.
	ReplyTo string

	// Budget overrides the default envelope budget. Zero-valued fields
	// keep their defaults; a non-empty ancestor chain and a non-zero hop
	// count are taken as-is.
	Budget *envelope.Budget
}

// Rejection explains why one endpoint did not receive the envelope.
// EndpointHash is "*" for rejections that preempt fan-out entirely.
type Rejection struct {
	EndpointHash string `json:"endpointHash"`
	Reason       string `json:"reason"`
}

// PublishResult reports the outcome of a publish across every matching
// endpoint and the adapter registry.
type PublishResult struct {
	MessageID       string             `json:"messageId"`
	DeliveredTo     int                `json:"deliveredTo"`
	Rejected        []Rejection        `json:"rejected,omitempty"`
	MailboxPressure map[string]float64 `json:"mailboxPressure,omitempty"`
	AdapterResult   *adapter.Result    `json:"adapterResult,omitempty"`
}

// Publish routes a payload to every endpoint whose subject pattern
// matches subj, dispatches matching in-process subscribers synchronously,
// and offers the envelope to the adapter registry once.
//
// Validation and access failures surface as errors; everything after
// that is reported structurally in the result.
func (r *Relay) Publish(ctx context.Context, subj string, payload any, opts PublishOptions) (*PublishResult, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if err := subject.Validate(subj); err != nil {
		return nil, err
	}
	if err := subject.Validate(opts.From); err != nil {
		return nil, errors.Wrap(err, "invalid sender")
	}
	if opts.ReplyTo != "" {
		if err := subject.Validate(opts.ReplyTo); err != nil {
			return nil, errors.Wrap(err, "invalid replyTo")
		}
	}

	if d := r.rules.Check(opts.From, subj); !d.Allowed {
		return nil, errors.Wrapf(ErrAccessDenied, "%s -> %s", opts.From, subj)
	}

	now := time.Now().UTC()
	cfg := r.cfg.Current()

	// One rate-limit check per publish call, ahead of fan-out.
	if !r.limiter.Allow(ctx, opts.From, cfg.Reliability.RateLimit, now) {
		r.log.Debug().Str("from", opts.From).Msg("publish rate limited")
		return &PublishResult{
			Rejected: []Rejection{{EndpointHash: "*", Reason: reliability.ReasonRateLimited}},
		}, nil
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	env := &envelope.Envelope{
		ID:        r.idgen.Next(now),
		Subject:   subj,
		From:      opts.From,
		ReplyTo:   opts.ReplyTo,
		CreatedAt: now,
		Payload:   raw,
		Budget:    mergeBudget(opts.Budget, now),
	}

	result := &PublishResult{
		MessageID:       env.ID,
		MailboxPressure: make(map[string]float64),
	}

	var eps []endpoint.Info
	for _, ep := range r.endpoints.List() {
		if subject.Matches(ep.Subject, subj) {
			eps = append(eps, ep)
		}
	}

	for _, ep := range eps {
		r.deliverToEndpoint(ctx, ep, env, now, result)
	}

	if r.opts.Adapters != nil {
		var extra map[string]any
		if r.opts.AdapterContext != nil {
			extra = r.opts.AdapterContext(subj)
		}
		res := adapter.Deliver(ctx, r.opts.Adapters, subj, env, extra)
		result.AdapterResult = &res
		if res.Success {
			result.DeliveredTo++
			if err := r.idx.UpdateStatusAll(ctx, env.ID, index.StatusDelivered); err != nil {
				r.log.Warn().Err(err).Str("id", env.ID).Msg("index update failed after adapter delivery")
			}
		}
	}

	// Nothing routed, nothing adapted: retain the envelope rather than
	// dropping it silently.
	adapterAccepted := result.AdapterResult != nil && result.AdapterResult.Success
	if len(eps) == 0 && !adapterAccepted {
		if err := r.dlq.Reject(ctx, endpoint.Hash(subj), env, reasonNoRoute); err != nil {
			r.log.Error().Err(err).Str("id", env.ID).Msg("unable to dead-letter unroutable envelope")
		}
		result.Rejected = append(result.Rejected, Rejection{EndpointHash: "*", Reason: reasonNoRoute})
	}

	return result, nil
}

// deliverToEndpoint runs the per-endpoint pipeline: budget, breaker and
// backpressure gates, the durable write, and synchronous subscriber
// dispatch. Outcomes accumulate on result.
func (r *Relay) deliverToEndpoint(ctx context.Context, ep endpoint.Info, env *envelope.Envelope, now time.Time, result *PublishResult) {
	rel := r.cfg.Current().Reliability

	// Budget rejections dead-letter; reliability rejections do not.
	if reason := budget.Check(env, ep.Subject, now); reason != "" {
		if err := r.dlq.Reject(ctx, ep.Hash, env, reason); err != nil {
			r.log.Error().Err(err).Str("id", env.ID).Msg("unable to dead-letter envelope")
		}
		result.Rejected = append(result.Rejected, Rejection{EndpointHash: ep.Hash, Reason: reason})
		return
	}

	if !r.breakers.Allow(ep.Hash, rel.CircuitBreaker) {
		result.Rejected = append(result.Rejected, Rejection{EndpointHash: ep.Hash, Reason: reliability.ReasonCircuitOpen})
		return
	}

	pr := r.pressure.Check(ep.Hash, rel.Backpressure)
	result.MailboxPressure[ep.Hash] = pr.Value
	if !pr.Admit {
		result.Rejected = append(result.Rejected, Rejection{EndpointHash: ep.Hash, Reason: reliability.ReasonBackpressure})
		return
	}
	if pr.Warn {
		r.signals.Emit(ep.Subject, signal.Signal{
			Type:            signal.TypeBackpressure,
			EndpointSubject: ep.Subject,
			Timestamp:       now,
			Fields:          map[string]any{"pressure": pr.Value},
		})
	}

	name, err := r.mails.Deliver(ep.Hash, env)
	if err != nil {
		// Not dead-lettered: the sender may retry once the disk recovers.
		r.log.Error().Err(err).Str("id", env.ID).Str("endpoint", ep.Hash).Msg("mailbox write failed")
		r.breakers.RecordFailure(ep.Hash, rel.CircuitBreaker)
		result.Rejected = append(result.Rejected, Rejection{EndpointHash: ep.Hash, Reason: reasonIOError})
		return
	}

	// The file on disk is authoritative; an index miss heals on rebuild.
	if err := r.idx.Insert(ctx, index.EntryFromEnvelope(env, ep.Hash, index.StatusNew)); err != nil {
		r.log.Warn().Err(err).Str("id", env.ID).Msg("index insert failed")
	}

	subs := r.getSubscribers(env.Subject)
	if len(subs) == 0 {
		// Durably queued for a cross-process consumer or a later
		// subscriber; the mailbox watcher owns it from here.
		r.breakers.RecordSuccess(ep.Hash)
		result.DeliveredTo++
		return
	}

	// Synchronous fast path: the watcher skips in-flight names so the
	// envelope is not delivered twice.
	r.markInflight(ep.Hash, name)
	defer r.unmarkInflight(ep.Hash, name)

	if err := r.runHandlers(ctx, ep, env, subs); err != nil {
		if mErr := r.mails.MarkFailed(ep.Hash, name, err.Error()); mErr != nil {
			r.log.Error().Err(mErr).Str("name", name).Msg("unable to fail envelope")
		}
		if iErr := r.idx.UpdateStatus(ctx, env.ID, ep.Hash, index.StatusFailed); iErr != nil {
			r.log.Warn().Err(iErr).Str("id", env.ID).Msg("index update failed")
		}
		r.breakers.RecordFailure(ep.Hash, rel.CircuitBreaker)
		result.Rejected = append(result.Rejected, Rejection{EndpointHash: ep.Hash, Reason: reasonHandlerError})
		return
	}

	if err := r.mails.MarkProcessed(ep.Hash, name); err != nil {
		r.log.Error().Err(err).Str("name", name).Msg("unable to mark envelope processed")
	}
	if err := r.idx.UpdateStatus(ctx, env.ID, ep.Hash, index.StatusCur); err != nil {
		r.log.Warn().Err(err).Str("id", env.ID).Msg("index update failed")
	}
	r.breakers.RecordSuccess(ep.Hash)
	result.DeliveredTo++
}

// runHandlers invokes every subscriber sequentially with the advanced
// envelope. The first failure stops the chain.
func (r *Relay) runHandlers(ctx context.Context, ep endpoint.Info, env *envelope.Envelope, subs []subscription) error {
	advanced := env.Advance(ep.Subject)
	for _, sub := range subs {
		if err := invokeHandler(ctx, sub.handler, advanced); err != nil {
			return err
		}
	}
	return nil
}

// invokeHandler shields the pipeline from panicking subscribers.
func invokeHandler(ctx context.Context, h Handler, env *envelope.Envelope) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("handler panic: %v", p)
		}
	}()
	return h(ctx, env)
}

func (r *Relay) markInflight(hash, name string) {
	r.inflightMu.Lock()
	r.inflight[hash+"/"+name] = struct{}{}
	r.inflightMu.Unlock()
}

func (r *Relay) unmarkInflight(hash, name string) {
	r.inflightMu.Lock()
	delete(r.inflight, hash+"/"+name)
	r.inflightMu.Unlock()
}

func (r *Relay) isInflight(hash, name string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	_, ok := r.inflight[hash+"/"+name]
	return ok
}

// mergeBudget overlays the caller's budget on the defaults. Zero-valued
// limits keep their defaults so a partial budget (say, only a TTL) works.
func mergeBudget(b *envelope.Budget, now time.Time) envelope.Budget {
	out := envelope.DefaultBudget(now)
	if b == nil {
		return out
	}
	if b.MaxHops > 0 {
		out.MaxHops = b.MaxHops
	}
	if b.TTL != 0 {
		out.TTL = b.TTL
	}
	if b.CallBudgetRemaining > 0 {
		out.CallBudgetRemaining = b.CallBudgetRemaining
	}
	out.HopCount = b.HopCount
	if len(b.AncestorChain) > 0 {
		out.AncestorChain = slices.Clone(b.AncestorChain)
	}
	return out
}

func encodePayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	return data, errors.Wrap(err, "encode payload")
}
