package index

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"relay.dev/relay/envelope"
	"relay.dev/relay/maildir"
)

func openTestStore(c *qt.C) *Store {
	s, err := Open(filepath.Join(c.TempDir(), "index.db"))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(id, subject, sender, hash, status string, createdAt time.Time) Entry {
	return Entry{
		ID:           id,
		Subject:      subject,
		Sender:       sender,
		EndpointHash: hash,
		Status:       status,
		CreatedAt:    createdAt,
		TTL:          createdAt.Add(5 * time.Minute).UnixMilli(),
	}
}

func TestInsertIdempotent(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(c)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond).UTC()
	e := entry("01A", "relay.a", "relay.sender", "hash1", StatusNew, now)

	c.Assert(s.Insert(ctx, e), qt.IsNil)
	c.Assert(s.Insert(ctx, e), qt.IsNil) // no-op

	rows, err := s.Get(ctx, "01A")
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.HasLen, 1)
	c.Assert(rows[0], qt.DeepEquals, e)
}

func TestMultiEndpointRows(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(c)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond).UTC()
	c.Assert(s.Insert(ctx, entry("01A", "relay.a", "s", "hash1", StatusNew, now)), qt.IsNil)
	c.Assert(s.Insert(ctx, entry("01A", "relay.a", "s", "hash2", StatusNew, now)), qt.IsNil)

	rows, err := s.Get(ctx, "01A")
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.HasLen, 2)

	c.Assert(s.UpdateStatus(ctx, "01A", "hash1", StatusCur), qt.IsNil)
	rows, err = s.Get(ctx, "01A")
	c.Assert(err, qt.IsNil)
	c.Assert(rows[0].Status, qt.Equals, StatusCur) // hash1 sorts first
	c.Assert(rows[1].Status, qt.Equals, StatusNew)

	c.Assert(s.UpdateStatusAll(ctx, "01A", StatusDelivered), qt.IsNil)
	rows, err = s.Get(ctx, "01A")
	c.Assert(err, qt.IsNil)
	c.Assert(rows[0].Status, qt.Equals, StatusDelivered)
	c.Assert(rows[1].Status, qt.Equals, StatusDelivered)
}

func TestListFiltersAndCursor(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(c)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond).UTC()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("01%02d", i)
		c.Assert(s.Insert(ctx, entry(id, "relay.a", "s1", "hash1", StatusNew, now)), qt.IsNil)
	}
	c.Assert(s.Insert(ctx, entry("0199", "relay.b", "s2", "hash2", StatusFailed, now)), qt.IsNil)

	// Filter by subject.
	rows, next, err := s.List(ctx, Query{Subject: "relay.b"})
	c.Assert(err, qt.IsNil)
	c.Assert(next, qt.Equals, "")
	c.Assert(rows, qt.HasLen, 1)
	c.Assert(rows[0].ID, qt.Equals, "0199")

	// Filter by status and sender.
	rows, _, err = s.List(ctx, Query{Status: StatusNew, Sender: "s1"})
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.HasLen, 5)

	// Paginate newest-first, two at a time.
	var seen []string
	cursor := ""
	for {
		rows, next, err := s.List(ctx, Query{Limit: 2, Cursor: cursor})
		c.Assert(err, qt.IsNil)
		for _, r := range rows {
			seen = append(seen, r.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	c.Assert(seen, qt.DeepEquals, []string{"0199", "0104", "0103", "0102", "0101", "0100"})
}

func TestCountSenderSince(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(c)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond).UTC()
	old := now.Add(-2 * time.Minute)

	c.Assert(s.Insert(ctx, entry("01A", "relay.a", "flood", "h1", StatusNew, old)), qt.IsNil)
	c.Assert(s.Insert(ctx, entry("01B", "relay.a", "flood", "h1", StatusNew, now)), qt.IsNil)
	c.Assert(s.Insert(ctx, entry("01C", "relay.a", "other", "h1", StatusNew, now)), qt.IsNil)
	// A fan-out row of the same id must not double-count.
	c.Assert(s.Insert(ctx, entry("01B", "relay.a", "flood", "h2", StatusNew, now)), qt.IsNil)

	n, err := s.CountSenderSince(ctx, "flood", now.Add(-time.Minute))
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 1)

	n, err = s.CountSenderSince(ctx, "flood", old.Add(-time.Minute))
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 2)
}

func TestGetMetrics(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(c)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond).UTC()
	c.Assert(s.Insert(ctx, entry("01A", "relay.a", "s", "h1", StatusNew, now)), qt.IsNil)
	c.Assert(s.Insert(ctx, entry("01B", "relay.a", "s", "h1", StatusCur, now)), qt.IsNil)
	c.Assert(s.Insert(ctx, entry("01C", "relay.b", "s", "h1", StatusFailed, now)), qt.IsNil)

	m, err := s.GetMetrics(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(m.TotalMessages, qt.Equals, int64(3))
	c.Assert(m.ByStatus[StatusNew], qt.Equals, int64(1))
	c.Assert(m.ByStatus[StatusCur], qt.Equals, int64(1))
	c.Assert(m.ByStatus[StatusFailed], qt.Equals, int64(1))
	c.Assert(m.BySubject[0], qt.DeepEquals, SubjectCount{Subject: "relay.a", Count: 2})
}

func TestRebuild(t *testing.T) {
	c := qt.New(t)
	s := openTestStore(c)
	ctx := context.Background()

	mails := maildir.New(c.TempDir())
	const hash = "abc123def456"
	c.Assert(mails.Ensure(hash), qt.IsNil)

	now := time.Now().Truncate(time.Millisecond).UTC()
	mkEnv := func(id string) *envelope.Envelope {
		return &envelope.Envelope{
			ID:        id,
			Subject:   "relay.agent.backend",
			From:      "relay.sender",
			CreatedAt: now,
			Payload:   json.RawMessage(`{}`),
			Budget:    envelope.DefaultBudget(now),
		}
	}

	// One envelope per terminal directory.
	_, err := mails.Deliver(hash, mkEnv("01AAAAAAAAAAAAAAAAAAAAAAAA"))
	c.Assert(err, qt.IsNil)
	nameCur, err := mails.Deliver(hash, mkEnv("01BBBBBBBBBBBBBBBBBBBBBBBB"))
	c.Assert(err, qt.IsNil)
	c.Assert(mails.MarkProcessed(hash, nameCur), qt.IsNil)
	nameFailed, err := mails.Deliver(hash, mkEnv("01CCCCCCCCCCCCCCCCCCCCCCCC"))
	c.Assert(err, qt.IsNil)
	c.Assert(mails.MarkFailed(hash, nameFailed, "boom"), qt.IsNil)

	// Poison the index with a row that no longer exists on disk.
	c.Assert(s.Insert(ctx, entry("01ZZ", "relay.gone", "s", hash, StatusNew, now)), qt.IsNil)

	n, err := s.Rebuild(ctx, mails, []string{hash})
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 3)

	m, err := s.GetMetrics(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(m.TotalMessages, qt.Equals, int64(3))
	c.Assert(m.ByStatus[StatusNew], qt.Equals, int64(1))
	c.Assert(m.ByStatus[StatusCur], qt.Equals, int64(1))
	c.Assert(m.ByStatus[StatusFailed], qt.Equals, int64(1))

	rows, err := s.Get(ctx, "01ZZ")
	c.Assert(err, qt.IsNil)
	c.Assert(rows, qt.HasLen, 0)
}
