package watch

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"go.uber.org/goleak"

	"relay.dev/relay/envelope"
	"relay.dev/relay/maildir"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu    sync.Mutex
	seen  []string
	mails *maildir.Store
}

// dispatch moves the file to cur/ like the real pipeline does, so the
// next scan doesn't re-offer it.
func (r *recorder) dispatch(hash, name string) {
	r.mu.Lock()
	r.seen = append(r.seen, name)
	r.mu.Unlock()
	_ = r.mails.MarkProcessed(hash, name)
}

func (r *recorder) wait(c *qt.C, n int) []string {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.seen) >= n {
			out := append([]string(nil), r.seen...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatalf("timed out waiting for %d dispatches", n)
	return nil
}

func testEnvelope(id string) *envelope.Envelope {
	now := time.Now().Truncate(time.Millisecond).UTC()
	return &envelope.Envelope{
		ID:        id,
		Subject:   "relay.agent.backend",
		From:      "relay.sender",
		CreatedAt: now,
		Payload:   json.RawMessage(`{}`),
		Budget:    envelope.DefaultBudget(now),
	}
}

func TestWatchDispatchesArrivals(t *testing.T) {
	c := qt.New(t)
	mails := maildir.New(c.TempDir())
	const hash = "abc123def456"
	c.Assert(mails.Ensure(hash), qt.IsNil)

	rec := &recorder{mails: mails}
	m := NewManager(mails, rec.dispatch)
	defer func() { _ = m.Close() }()

	c.Assert(m.Watch(hash), qt.IsNil)
	c.Assert(m.Watch(hash), qt.IsNil) // idempotent

	name, err := mails.Deliver(hash, testEnvelope("01AAAAAAAAAAAAAAAAAAAAAAAA"))
	c.Assert(err, qt.IsNil)

	seen := rec.wait(c, 1)
	c.Assert(seen[0], qt.Equals, name)
}

func TestWatchSweepsBacklog(t *testing.T) {
	c := qt.New(t)
	mails := maildir.New(c.TempDir())
	const hash = "abc123def456"
	c.Assert(mails.Ensure(hash), qt.IsNil)

	// Envelope delivered before any watcher exists.
	name, err := mails.Deliver(hash, testEnvelope("01AAAAAAAAAAAAAAAAAAAAAAAA"))
	c.Assert(err, qt.IsNil)

	rec := &recorder{mails: mails}
	m := NewManager(mails, rec.dispatch)
	defer func() { _ = m.Close() }()
	c.Assert(m.Watch(hash), qt.IsNil)

	seen := rec.wait(c, 1)
	c.Assert(seen[0], qt.Equals, name)
}

func TestUnwatchStops(t *testing.T) {
	c := qt.New(t)
	mails := maildir.New(c.TempDir())
	const hash = "abc123def456"
	c.Assert(mails.Ensure(hash), qt.IsNil)

	rec := &recorder{mails: mails}
	m := NewManager(mails, rec.dispatch)
	defer func() { _ = m.Close() }()

	c.Assert(m.Watch(hash), qt.IsNil)
	m.Unwatch(hash)

	_, err := mails.Deliver(hash, testEnvelope("01AAAAAAAAAAAAAAAAAAAAAAAA"))
	c.Assert(err, qt.IsNil)

	time.Sleep(200 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	c.Assert(rec.seen, qt.HasLen, 0)
}

func TestCloseRejectsNewWatches(t *testing.T) {
	c := qt.New(t)
	mails := maildir.New(c.TempDir())
	const hash = "abc123def456"
	c.Assert(mails.Ensure(hash), qt.IsNil)

	m := NewManager(mails, func(hash, name string) {})
	c.Assert(m.Close(), qt.IsNil)
	c.Assert(m.Watch(hash), qt.IsNotNil)
}
