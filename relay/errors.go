package relay

import (
	"github.com/cockroachdb/errors"

	"relay.dev/relay/endpoint"
	"relay.dev/relay/subject"
)

// Error kinds surfaced to callers. Everything else is reported
// structurally in the publish result. Match with errors.Is.
var (
	ErrInvalidSubject    = subject.ErrInvalid
	ErrDuplicateEndpoint = endpoint.ErrDuplicate
	ErrEndpointNotFound  = endpoint.ErrNotFound
	ErrAccessDenied      = errors.New("access denied")
	ErrRelayClosed       = errors.New("relay closed")
)
