// Package budget enforces the self-limiting counters carried by every
// envelope before it is delivered to an endpoint.
package budget

import (
	"time"

	"relay.dev/relay/envelope"
)

// Rejection reasons. Budget rejections flow to the dead-letter queue,
// unlike reliability rejections which are only reported to the publisher.
const (
	ReasonTTLExpired          = "ttl_expired"
	ReasonMaxHopsExceeded     = "max_hops_exceeded"
	ReasonCallBudgetExhausted = "call_budget_exhausted"
	ReasonCycleDetected       = "cycle_detected"
)

// Check returns the rejection reason for delivering the envelope to the
// endpoint with the given subject, or "" if the budget admits it.
func Check(e *envelope.Envelope, endpointSubject string, now time.Time) string {
	b := e.Budget
	switch {
	case now.UnixMilli() > b.TTL:
		return ReasonTTLExpired
	case b.HopCount >= b.MaxHops:
		return ReasonMaxHopsExceeded
	case b.CallBudgetRemaining <= 0:
		return ReasonCallBudgetExhausted
	case b.HasAncestor(endpointSubject):
		return ReasonCycleDetected
	}
	return ""
}
