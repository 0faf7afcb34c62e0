// Package envelope defines the durable unit of delivery carried through the
// bus, the self-limiting budget attached to it, and the filename scheme used
// to track an envelope across mailbox subdirectories.
package envelope

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Budget carries the self-limiting counters attached to every envelope.
// TTL is an absolute deadline in epoch milliseconds.
type Budget struct {
	MaxHops             int      `json:"maxHops"`
	HopCount            int      `json:"hopCount"`
	TTL                 int64    `json:"ttl"`
	CallBudgetRemaining int      `json:"callBudgetRemaining"`
	AncestorChain       []string `json:"ancestorChain"`
}

// Default budget values applied when the publisher supplies none.
const (
	DefaultMaxHops    = 8
	DefaultCallBudget = 16
	DefaultTTL        = 5 * time.Minute
)

// DefaultBudget returns a fresh budget relative to now.
func DefaultBudget(now time.Time) Budget {
	return Budget{
		MaxHops:             DefaultMaxHops,
		TTL:                 now.Add(DefaultTTL).UnixMilli(),
		CallBudgetRemaining: DefaultCallBudget,
	}
}

// HasAncestor reports whether subject is already on the ancestor chain.
func (b Budget) HasAncestor(subject string) bool {
	return slices.Contains(b.AncestorChain, subject)
}

// Envelope is the durable unit of delivery.
type Envelope struct {
	ID        string          `json:"id"`
	Subject   string          `json:"subject"`
	From      string          `json:"from"`
	ReplyTo   string          `json:"replyTo,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
	Budget    Budget          `json:"budget"`
}

// Advance returns a copy of the envelope in the form a consumer sees:
// one hop taken, one call spent, and the delivering endpoint's subject
// appended to the ancestor chain.
func (e *Envelope) Advance(endpointSubject string) *Envelope {
	out := *e
	out.Budget.HopCount++
	out.Budget.CallBudgetRemaining--
	out.Budget.AncestorChain = append(slices.Clone(e.Budget.AncestorChain), endpointSubject)
	return &out
}

// Encode renders the envelope as JSON for storage on disk.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	return data, errors.Wrap(err, "encode envelope")
}

// Decode parses an envelope previously written with Encode.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	return &e, nil
}

// hostPid identifies the writing process in mailbox filenames. Hostname
// dots are flattened so the name splits cleanly on ".".
var hostPid = func() string {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	host = strings.ReplaceAll(host, ".", "-")
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}()

// Filename returns the mailbox filename for the envelope:
// <createdAtMs>.<ulid>.<hostPid>. The same name follows the envelope
// through tmp/, new/, cur/ and failed/.
func (e *Envelope) Filename() string {
	return fmt.Sprintf("%d.%s.%s", e.CreatedAt.UnixMilli(), e.ID, hostPid)
}

// ParseFilename splits a mailbox filename into its creation time and id.
func ParseFilename(name string) (createdAt time.Time, id string, err error) {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) != 3 {
		return time.Time{}, "", errors.Newf("malformed mailbox filename %q", name)
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}, "", errors.Wrapf(err, "malformed mailbox filename %q", name)
	}
	return time.UnixMilli(ms), parts[1], nil
}
