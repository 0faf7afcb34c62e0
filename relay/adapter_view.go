package relay

import (
	"context"
	"encoding/json"

	"relay.dev/relay/adapter"
	"relay.dev/relay/signal"
)

// publisherView is the narrow bus surface handed to the adapter
// registry, breaking the bus <-> registry reference cycle: adapters can
// publish inbound events and listen for signals, nothing else.
//
// TODO: a message matched by both in-process subscribers and a running
// adapter is currently delivered to both. A subscriber that re-publishes
// (e.g. a binding router) can bounce a message back through the adapter;
// the ancestor chain caps the loop, but whether dual delivery is ever
// the right default is still undecided.
type publisherView struct {
	r *Relay
}

var _ adapter.Publisher = publisherView{}

func (v publisherView) Publish(ctx context.Context, subj string, payload json.RawMessage, from string) (string, error) {
	res, err := v.r.Publish(ctx, subj, payload, PublishOptions{From: from})
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}

func (v publisherView) OnSignal(pattern string, h signal.Handler) (func(), error) {
	return v.r.OnSignal(pattern, h)
}
