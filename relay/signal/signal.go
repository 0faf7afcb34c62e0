// Package signal implements the ephemeral in-memory pub/sub channel of
// the bus. Signals never touch disk and are never indexed; a signal with
// no live subscriber is simply gone.
package signal

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"relay.dev/relay/subject"
)

// Well-known signal types. The type set is open; adapters may emit their
// own.
const (
	TypeTyping       = "typing"
	TypePresence     = "presence"
	TypeBackpressure = "backpressure"
)

// Signal is one ephemeral event. Every signal carries the subject of the
// endpoint it concerns and an emission timestamp; everything else is
// type-dependent.
type Signal struct {
	Type            string         `json:"type"`
	EndpointSubject string         `json:"endpointSubject"`
	Timestamp       time.Time      `json:"timestamp"`
	Fields          map[string]any `json:"fields,omitempty"`
}

// Handler receives signals emitted on subjects matching its pattern.
type Handler func(subject string, sig Signal)

type subscription struct {
	id      string
	pattern string
	handler Handler
}

// Emitter is the in-memory signal hub.
type Emitter struct {
	mu   sync.RWMutex
	subs []subscription
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers a handler for signals on subjects matching pattern.
// The returned function removes the subscription; calling it twice is
// harmless.
func (e *Emitter) Subscribe(pattern string, h Handler) (func(), error) {
	if err := subject.ValidatePattern(pattern); err != nil {
		return nil, err
	}

	sub := subscription{id: xid.New().String(), pattern: pattern, handler: h}
	e.mu.Lock()
	e.subs = append(e.subs, sub)
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i := range e.subs {
			if e.subs[i].id == sub.id {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Emit runs every matching handler synchronously in registration order.
func (e *Emitter) Emit(subj string, sig Signal) {
	e.mu.RLock()
	matched := make([]Handler, 0, len(e.subs))
	for _, sub := range e.subs {
		if subject.Matches(sub.pattern, subj) {
			matched = append(matched, sub.handler)
		}
	}
	e.mu.RUnlock()

	for _, h := range matched {
		h(subj, sig)
	}
}

// Clear drops every subscription. Used when the bus closes.
func (e *Emitter) Clear() {
	e.mu.Lock()
	e.subs = nil
	e.mu.Unlock()
}
