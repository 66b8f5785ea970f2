package upstream

import (
	"time"

	"admissionctl/internal/domain"
)

// Backend is one resolved upstream endpoint. All fields are read and
// written only while the owning Group's mutex is held; Backend itself
// carries no lock of its own, the same convention the provider
// package's ProviderAPIKey uses: plain fields, caller-owned
// synchronization at the aggregate.
type Backend struct {
	Spec domain.BackendSpec

	InFlight        int
	Fails           uint32
	LastFailTime    time.Time
	PendingReleases int
	CooldownArmed   bool

	cooldownTimer *time.Timer
}

func newBackend(spec domain.BackendSpec) *Backend {
	return &Backend{Spec: spec}
}

// resetFailsIfExpired clears the failure streak once fail_timeout has
// elapsed since the last recorded failure, giving a backend a clean
// slate rather than a permanent ban.
func (b *Backend) resetFailsIfExpired(now time.Time) {
	if b.Fails == 0 || b.LastFailTime.IsZero() {
		return
	}
	if now.Sub(b.LastFailTime) > b.Spec.FailTimeout {
		b.Fails = 0
	}
}

// eligible reports whether b may be selected at all, ignoring capacity.
func (b *Backend) eligible() bool {
	return !b.Spec.AdministrativelyDown && b.Fails < b.Spec.MaxFails
}

func (b *Backend) recordFailure(now time.Time) {
	b.LastFailTime = now
	b.Fails++
}

func (b *Backend) weight() uint32 {
	if b.Spec.Weight == 0 {
		return 1
	}
	return b.Spec.Weight
}
