package upstream

import "time"

// clientCloseCooldown is the fixed delay between a client close and
// the corresponding slot release, batching bursts of aborted requests
// into a single cooldown timer per backend instead of one per close.
const clientCloseCooldown = 500 * time.Millisecond

// Config holds the immutable per-group admission parameters. Zero-value
// fields should be replaced with DefaultConfig's values by the config
// loader before constructing a Group.
type Config struct {
	// MaxConnections is the per-backend concurrent-request cap.
	MaxConnections int
	// QueueTimeout bounds how long a request may wait before QueueExpired.
	QueueTimeout time.Duration
	// MaxQueueLength is the hard cap on queue depth.
	MaxQueueLength int
	// MaxRetries bounds how many times a single request may be
	// force-reassigned after BackendFailed before it is abandoned,
	// guarding against an endless retry loop when every backend is
	// failing in turn.
	MaxRetries int
}

// DefaultConfig returns the directive defaults used when a directive
// is left unset in configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnections: 1,
		QueueTimeout:   10 * time.Second,
		MaxQueueLength: 10000,
		MaxRetries:     3,
	}
}
