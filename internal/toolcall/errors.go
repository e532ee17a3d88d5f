package toolcall

import (
	"fmt"
	"time"
)

// ErrUnknownCapability indicates a call to a capability with no configured route.
var ErrUnknownCapability = fmt.Errorf("unknown capability")

// TransientError marks a failure worth retrying: network trouble, HTTP 5xx
// or 429. Anything else from the remote side is considered permanent.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient tool error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// RemoteError is a permanent rejection from a capability service.
type RemoteError struct {
	Capability string
	Status     int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Capability, e.Status, e.Message)
}

// ErrCapabilityUnavailable is returned while a capability's circuit is open:
// the call fails fast without touching the network.
type ErrCapabilityUnavailable struct {
	Capability string
	RetryAfter time.Duration
}

func (e *ErrCapabilityUnavailable) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("capability %s unavailable, retry after %s", e.Capability, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("capability %s unavailable", e.Capability)
}
