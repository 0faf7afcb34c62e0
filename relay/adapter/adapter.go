// Package adapter defines the contract between the bus and external
// delivery adapters (chat bridges, webhooks, agent runtimes).
//
// Adapter implementations live outside this module; the bus only fans an
// envelope out to the registry once per publish and enforces a hard
// deadline on the attempt. The registry gets a narrow Publisher view of
// the bus in return, so inbound adapter events can publish without a
// reference cycle.
package adapter

import (
	"context"
	"encoding/json"
	"time"

	"relay.dev/relay/envelope"
	"relay.dev/relay/signal"
)

// DeliverTimeout is the hard deadline the bus puts on a single adapter
// delivery attempt.
const DeliverTimeout = 15 * time.Second

// Result of one adapter delivery attempt.
type Result struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Publisher is the only surface of the bus an adapter registry sees.
type Publisher interface {
	// Publish injects an inbound adapter event into the bus.
	Publish(ctx context.Context, subj string, payload json.RawMessage, from string) (messageID string, err error)
	// OnSignal subscribes to ephemeral signals.
	OnSignal(pattern string, h signal.Handler) (func(), error)
}

// Registry is implemented by the external adapter registry.
type Registry interface {
	// Deliver offers an envelope to whichever adapter claims the subject.
	// extra carries optional bus-built context for the adapter and may be
	// nil.
	Deliver(ctx context.Context, subj string, env *envelope.Envelope, extra map[string]any) Result
	// SetRelay hands the registry its back-reference into the bus.
	SetRelay(pub Publisher)
	// Shutdown stops all adapters.
	Shutdown(ctx context.Context) error
}

// Deliver runs one registry delivery under the bus-side deadline. The
// registry may ignore the context, so the attempt runs on its own
// goroutine and a deadline expiry is converted into a failed result
// rather than waited out.
func Deliver(ctx context.Context, reg Registry, subj string, env *envelope.Envelope, extra map[string]any) Result {
	ctx, cancel := context.WithTimeout(ctx, DeliverTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		done <- reg.Deliver(ctx, subj, env, extra)
	}()

	select {
	case res := <-done:
		if res.DurationMs == 0 {
			res.DurationMs = time.Since(start).Milliseconds()
		}
		return res
	case <-ctx.Done():
		return Result{
			Success:    false,
			Error:      "adapter delivery timed out",
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
}
