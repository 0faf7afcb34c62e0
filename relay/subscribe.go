package relay

import (
	"context"

	"github.com/rs/xid"

	"relay.dev/relay/envelope"
	"relay.dev/relay/signal"
	"relay.dev/relay/subject"
)

// Handler consumes one delivered envelope. The envelope's budget has
// already been advanced for this delivery. An error dead-letters the
// envelope for this endpoint.
type Handler func(ctx context.Context, env *envelope.Envelope) error

type subscription struct {
	id      string
	pattern string
	handler Handler
}

// Subscribe registers an in-process handler for envelopes on subjects
// matching pattern. The returned function removes the subscription;
// calling it twice is harmless.
func (r *Relay) Subscribe(pattern string, h Handler) (func(), error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	sub := subscription{id: xid.New().String(), pattern: pattern, handler: h}
	r.subMu.Lock()
	r.subs = append(r.subs, sub)
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i := range r.subs {
			if r.subs[i].id == sub.id {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// getSubscribers returns the handlers matching a concrete subject, in
// registration order.
func (r *Relay) getSubscribers(subj string) []subscription {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	var out []subscription
	for _, sub := range r.subs {
		if subject.Matches(sub.pattern, subj) {
			out = append(out, sub)
		}
	}
	return out
}

func (r *Relay) clearSubscriptions() {
	r.subMu.Lock()
	r.subs = nil
	r.subMu.Unlock()
}

// Signal emits an ephemeral signal on a concrete subject. Signals never
// touch disk; with no matching subscriber they vanish.
func (r *Relay) Signal(subj string, sig signal.Signal) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := subject.Validate(subj); err != nil {
		return err
	}
	r.signals.Emit(subj, sig)
	return nil
}

// OnSignal subscribes to signals on subjects matching pattern.
func (r *Relay) OnSignal(pattern string, h signal.Handler) (func(), error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return r.signals.Subscribe(pattern, h)
}
