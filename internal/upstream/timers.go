package upstream

import (
	"fmt"
	"time"

	"admissionctl/internal/domain"
)

// syncHeadTimerLocked rearms the queue-head deadline timer whenever the
// waiter at the front of the queue has changed, and disarms it when the
// queue has gone empty. Only the head needs a timer: every waiter
// behind it has an equal or later deadline, so firing in FIFO order
// keeps a single timer sufficient instead of one per waiter.
func (g *Group) syncHeadTimerLocked() {
	head := g.q.peekFront()
	if head == g.headWaiter {
		return
	}
	g.disarmHeadTimerLocked()
	if head == nil {
		return
	}
	g.armHeadTimerLocked(head)
}

func (g *Group) armHeadTimerLocked(w *Waiter) {
	deadline := w.EnqueuedAt.Add(g.cfg.QueueTimeout)
	delay := deadline.Sub(g.now())
	if delay < 0 {
		delay = 0
	}
	g.headWaiter = w
	g.headTimer = time.AfterFunc(delay, func() { g.onHeadTimerFired(w) })
}

func (g *Group) disarmHeadTimerLocked() {
	if g.headTimer != nil {
		g.headTimer.Stop()
		g.headTimer = nil
	}
	g.headWaiter = nil
}

// onHeadTimerFired runs in the timer's own goroutine. It re-validates
// that w is still the queue head before acting, since the timer may
// have already been superseded (disarmed, or rearmed for a different
// waiter) by the time it fires.
func (g *Group) onHeadTimerFired(w *Waiter) {
	var jobs []job
	g.mu.Lock()
	if g.headWaiter != w || g.q.peekFront() != w {
		g.mu.Unlock()
		return
	}
	now := g.now()
	g.q.popFront()
	w.state = waiterTerminal
	ev := domain.Event{Group: g.name, Type: domain.EventQueueExpired, RequestID: w.ID, At: now, Wait: now.Sub(w.EnqueuedAt)}
	jobs = append(jobs,
		func() { g.conn.Finalize(w, domain.ReasonQueueExpired) },
		func() { g.record(ev) },
	)
	g.syncHeadTimerLocked()
	g.mu.Unlock()

	runJobs(jobs)
}

// armCooldownLocked schedules (or reuses) a single pending timer per
// backend that, once it fires, releases every client-closed slot the
// backend has accumulated in one batch. Coalescing bursts of closes
// into one timer avoids arming and firing a new timer per request
// under a thundering-herd disconnect.
func (g *Group) armCooldownLocked(b *Backend) {
	if b.CooldownArmed {
		return
	}
	b.CooldownArmed = true
	b.cooldownTimer = time.AfterFunc(clientCloseCooldown, func() { g.onCooldownFired(b) })
}

func (g *Group) onCooldownFired(b *Backend) {
	var jobs []job
	g.mu.Lock()
	now := g.now()
	released := b.PendingReleases
	b.InFlight -= released
	if b.InFlight < 0 {
		b.InFlight = 0
	}
	b.PendingReleases = 0
	b.CooldownArmed = false
	b.cooldownTimer = nil
	ev := domain.Event{Group: g.name, Type: domain.EventCooldownFired, Backend: b.Spec.Name, At: now, Detail: fmt.Sprintf("released=%d", released)}
	jobs = append(jobs, func() { g.record(ev) })
	g.dispatchLocked(&jobs)
	g.syncHeadTimerLocked()
	g.mu.Unlock()

	runJobs(jobs)
}
