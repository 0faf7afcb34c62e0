package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"relay.dev/relay/adapter"
	"relay.dev/relay/envelope"
	"relay.dev/relay/index"
)

type stubRegistry struct {
	mu        sync.Mutex
	pub       adapter.Publisher
	delivered []string
	extras    []map[string]any
	result    adapter.Result
	shutdown  bool
}

func (s *stubRegistry) Deliver(ctx context.Context, subj string, env *envelope.Envelope, extra map[string]any) adapter.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, subj)
	s.extras = append(s.extras, extra)
	return s.result
}

func (s *stubRegistry) SetRelay(pub adapter.Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub = pub
}

func (s *stubRegistry) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	return nil
}

func TestAdapterFanOut(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()

	reg := &stubRegistry{result: adapter.Result{Success: true, DurationMs: 3}}
	r, err := Open(Options{
		DataDir:  dir,
		Adapters: reg,
		AdapterContext: func(subj string) map[string]any {
			return map[string]any{"subject": subj}
		},
	})
	c.Assert(err, qt.IsNil)
	defer func() { _ = r.Close() }()

	// SetRelay was called with the publisher view.
	reg.mu.Lock()
	c.Assert(reg.pub, qt.IsNotNil)
	reg.mu.Unlock()

	ctx := context.Background()
	_, err = r.RegisterEndpoint("relay.agent.backend")
	c.Assert(err, qt.IsNil)

	res, err := r.Publish(ctx, "relay.agent.backend", "hi", PublishOptions{From: "relay.sender"})
	c.Assert(err, qt.IsNil)

	// Endpoint write plus adapter delivery.
	c.Assert(res.DeliveredTo, qt.Equals, 2)
	c.Assert(res.AdapterResult, qt.IsNotNil)
	c.Assert(res.AdapterResult.Success, qt.IsTrue)

	reg.mu.Lock()
	c.Assert(reg.delivered, qt.DeepEquals, []string{"relay.agent.backend"})
	c.Assert(reg.extras[0], qt.DeepEquals, map[string]any{"subject": "relay.agent.backend"})
	reg.mu.Unlock()

	rows, err := r.GetMessage(ctx, res.MessageID)
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.HasLen, 1)
	c.Assert(rows[0].Status, qt.Equals, index.StatusDelivered)
}

// An adapter success keeps an otherwise unroutable publish out of the
// dead-letter queue.
func TestAdapterAcceptsUnroutedPublish(t *testing.T) {
	c := qt.New(t)

	reg := &stubRegistry{result: adapter.Result{Success: true}}
	r, err := Open(Options{DataDir: c.TempDir(), Adapters: reg})
	c.Assert(err, qt.IsNil)
	defer func() { _ = r.Close() }()

	ctx := context.Background()
	res, err := r.Publish(ctx, "relay.external.telegram", "hi", PublishOptions{From: "relay.sender"})
	c.Assert(err, qt.IsNil)
	c.Assert(res.DeliveredTo, qt.Equals, 1)
	c.Assert(res.Rejected, qt.HasLen, 0)
}

// An adapter failure with no endpoints dead-letters.
func TestAdapterFailureDeadLetters(t *testing.T) {
	c := qt.New(t)

	reg := &stubRegistry{result: adapter.Result{Success: false, Error: "bot offline"}}
	r, err := Open(Options{DataDir: c.TempDir(), Adapters: reg})
	c.Assert(err, qt.IsNil)
	defer func() { _ = r.Close() }()

	ctx := context.Background()
	res, err := r.Publish(ctx, "relay.external.telegram", "hi", PublishOptions{From: "relay.sender"})
	c.Assert(err, qt.IsNil)
	c.Assert(res.DeliveredTo, qt.Equals, 0)
	c.Assert(res.AdapterResult.Error, qt.Equals, "bot offline")
	c.Assert(res.Rejected, qt.HasLen, 1)
	c.Assert(res.Rejected[0].Reason, qt.Equals, "no_route")
}

// Inbound adapter events publish through the narrow view.
func TestPublisherViewPublishes(t *testing.T) {
	c := qt.New(t)

	reg := &stubRegistry{result: adapter.Result{Success: true}}
	r, err := Open(Options{DataDir: c.TempDir(), Adapters: reg})
	c.Assert(err, qt.IsNil)
	defer func() { _ = r.Close() }()

	_, err = r.RegisterEndpoint("relay.agent.backend")
	c.Assert(err, qt.IsNil)

	ctx := context.Background()
	id, err := reg.pub.Publish(ctx, "relay.agent.backend", json.RawMessage(`{"inbound":true}`), "relay.adapter.telegram")
	c.Assert(err, qt.IsNil)
	c.Assert(id, qt.HasLen, 26)
}

func TestCloseShutsDownAdapters(t *testing.T) {
	c := qt.New(t)

	reg := &stubRegistry{}
	r, err := Open(Options{DataDir: c.TempDir(), Adapters: reg})
	c.Assert(err, qt.IsNil)

	c.Assert(r.Close(), qt.IsNil)
	reg.mu.Lock()
	defer reg.mu.Unlock()
	c.Assert(reg.shutdown, qt.IsTrue)
}
