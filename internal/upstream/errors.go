package upstream

import "errors"

// Error kinds the core distinguishes. QueueExpired, AllBackendsDead, and
// RetriesExhausted are delivered asynchronously via Connector.Finalize,
// not returned as errors, since nothing is blocked waiting on them by
// the time they fire.
var (
	// ErrQueueFull is returned synchronously from PeerInit when the
	// wait queue is already at max_queue_length.
	ErrQueueFull = errors.New("admissionctl: admission queue full")

	// ErrNotPending is returned by PeerGet when called on a waiter that
	// is not currently assigned a backend.
	ErrNotPending = errors.New("admissionctl: peer_get called out of turn")
)
