// Package upstream implements the admission-control and load-balancing
// core for one upstream group: a bounded wait queue, weighted
// least-connections backend selection, deadline and cool-down timers,
// and the peer.{init,get,free} binding contract a reverse proxy drives.
package upstream

import (
	"sync"
	"time"

	"admissionctl/internal/domain"
)

// Connector is the non-blocking collaborator a reverse proxy implements
// to learn about admission decisions. Neither method may block or take
// a lock the Group might be waiting on; the Group calls both only after
// releasing its own mutex.
type Connector interface {
	// Dispatch reports that w has been bound to the backend at addr and
	// may now be connected. w.ID identifies the original request.
	Dispatch(w *Waiter, addr string)
	// Finalize reports that w was terminated by the core itself, for the
	// given reason, instead of being (re)dispatched. A waiter abandoned
	// after a BackendFailed has already seen one or more Dispatch calls.
	Finalize(w *Waiter, reason domain.FinalizeReason)
}

// EventSink receives one Event per admission decision, for audit
// logging and metrics. Record must not block.
type EventSink interface {
	Record(domain.Event)
}

// job is a deferred side effect queued while the Group's mutex is held
// and run immediately after it is released.
type job func()

// Group owns one upstream's backends, wait queue, and timers. All
// mutation happens under mu; the zero value is not usable, use NewGroup.
type Group struct {
	name string
	cfg  Config
	conn Connector
	sink EventSink
	now  func() time.Time

	mu  sync.Mutex
	reg *registry
	q   *queue

	headTimer  *time.Timer
	headWaiter *Waiter
}

// NewGroup constructs a Group for one named upstream. conn must be
// non-nil; a nil sink means events are not recorded.
func NewGroup(name string, cfg Config, backends []domain.BackendSpec, conn Connector, sink EventSink) *Group {
	return &Group{
		name: name,
		cfg:  cfg,
		conn: conn,
		sink: sink,
		now:  time.Now,
		reg:  newRegistry(backends),
		q:    newQueue(),
	}
}

// PeerInit admits a new request: it creates a Waiter, enqueues it, and
// attempts to dispatch it immediately. A non-nil error (ErrQueueFull)
// means the request must be rejected synchronously; otherwise the
// returned Waiter may already be assigned (check w.Assigned()) or still
// queued, with Connector.Dispatch/Finalize delivered asynchronously
// once its fate is decided.
func (g *Group) PeerInit(id string) (*Waiter, error) {
	var jobs []job
	g.mu.Lock()
	now := g.now()
	// max_queue_length only bounds requests that actually have to wait.
	// A request that can be handed a free backend in this same call never
	// occupies a queue slot, so a saturated- or all-down-looking registry
	// must not reject an arrival the dispatcher is about to serve, or
	// queue, the normal way regardless.
	needsQueueSlot := g.q.len() > 0 || g.reg.selectLocked(now, g.cfg.MaxConnections, false) == nil
	if needsQueueSlot && g.q.len() >= g.cfg.MaxQueueLength {
		g.mu.Unlock()
		g.record(domain.Event{Group: g.name, Type: domain.EventQueueFull, RequestID: id, At: now})
		return nil, ErrQueueFull
	}
	w := &Waiter{ID: id, EnqueuedAt: now, state: waiterQueued}
	g.q.pushBack(w)
	g.dispatchLocked(&jobs)
	g.syncHeadTimerLocked()
	g.mu.Unlock()

	runJobs(jobs)
	return w, nil
}

// PeerGet returns the backend address bound to w. It is the literal
// binding-contract accessor; the dispatcher itself never calls this,
// since it already holds the resolved address when it assigns w.
func (g *Group) PeerGet(w *Waiter) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w.state != waiterAssigned || w.backend == nil {
		return "", ErrNotPending
	}
	return w.backend.Spec.Address, nil
}

// PeerFree reports the outcome of a request previously bound to a
// backend via Dispatch, releasing (or scheduling the release of) its
// concurrency slot and driving any resulting dispatch.
func (g *Group) PeerFree(w *Waiter, state domain.FreeState) {
	var jobs []job
	g.mu.Lock()
	now := g.now()

	if w.state != waiterAssigned || w.backend == nil {
		g.mu.Unlock()
		return
	}
	b := w.backend

	switch state {
	case domain.FreeSuccess:
		b.InFlight--
		w.state = waiterTerminal
		ev := domain.Event{Group: g.name, Type: domain.EventSuccess, Backend: b.Spec.Name, RequestID: w.ID, At: now}
		jobs = append(jobs, func() { g.record(ev) })

	case domain.FreeClientClosed:
		b.PendingReleases++
		w.state = waiterTerminal
		g.armCooldownLocked(b)
		ev := domain.Event{Group: g.name, Type: domain.EventClientClosed, Backend: b.Spec.Name, RequestID: w.ID, At: now}
		jobs = append(jobs, func() { g.record(ev) })

	case domain.FreeBackendFailed:
		b.InFlight--
		b.recordFailure(now)
		ev := domain.Event{Group: g.name, Type: domain.EventBackendFailed, Backend: b.Spec.Name, RequestID: w.ID, At: now}
		jobs = append(jobs, func() { g.record(ev) })
		if w.retries < g.cfg.MaxRetries {
			w.retries++
			w.state = waiterQueued
			w.backend = nil
			w.forceAssign = true
			// EnqueuedAt is left untouched: the waiter keeps its original
			// seniority so a retried request isn't pushed behind arrivals
			// that showed up after it first queued.
			g.q.pushFront(w)
		} else {
			// Running out of retries is a property of this one request,
			// not of the group: the backend that just failed may still be
			// eligible, and others may be wide open. Only report
			// AllBackendsDead when the registry itself has nothing left to
			// offer; otherwise this is a distinct, narrower condition.
			w.state = waiterTerminal
			reason := domain.ReasonRetriesExhausted
			evType := domain.EventRetriesExhausted
			if g.reg.allDeadLocked(now) {
				reason = domain.ReasonAllBackendsDead
				evType = domain.EventAllDead
			}
			wait := now.Sub(w.EnqueuedAt)
			doneEv := domain.Event{Group: g.name, Type: evType, Backend: b.Spec.Name, RequestID: w.ID, At: now, Wait: wait}
			jobs = append(jobs,
				func() { g.conn.Finalize(w, reason) },
				func() { g.record(doneEv) },
			)
		}
	}

	g.dispatchLocked(&jobs)
	g.syncHeadTimerLocked()
	g.mu.Unlock()

	runJobs(jobs)
}

// PeerCancel removes w from the wait queue if it has not yet been
// assigned a backend, for the case where a client disconnects before
// ever reaching one. It is a no-op if w is already assigned or terminal,
// since PeerFree is the right call once a backend is involved.
func (g *Group) PeerCancel(w *Waiter) {
	var jobs []job
	g.mu.Lock()
	if w.state != waiterQueued {
		g.mu.Unlock()
		return
	}
	now := g.now()
	g.q.remove(w)
	w.state = waiterTerminal
	ev := domain.Event{Group: g.name, Type: domain.EventClientClosed, RequestID: w.ID, At: now}
	jobs = append(jobs, func() { g.record(ev) })
	g.syncHeadTimerLocked()
	g.mu.Unlock()

	runJobs(jobs)
}

// SetAdministrativelyDown toggles a backend's manual up/down state,
// applying it immediately to any waiters already queued.
func (g *Group) SetAdministrativelyDown(name string, down bool) bool {
	var jobs []job
	g.mu.Lock()
	ok := g.reg.setAdministrativelyDown(name, down)
	if ok && !down {
		g.dispatchLocked(&jobs)
		g.syncHeadTimerLocked()
	}
	g.mu.Unlock()
	runJobs(jobs)
	return ok
}

// dispatchLocked repeatedly pops the queue head and assigns it a
// backend for as long as one is available. A non-forced waiter blocks
// the loop once every eligible backend is at capacity; a forced waiter
// (a BackendFailed retry) bypasses that gate and, failing to find any
// eligible backend at all, is finalized as AllBackendsDead instead of
// being left to wait indefinitely. This path really has scanned the
// whole registry and found nothing, unlike PeerFree's retry-cap branch,
// which gives up on one request without implying the group is dead.
func (g *Group) dispatchLocked(jobs *[]job) {
	now := g.now()
	for {
		head := g.q.peekFront()
		if head == nil {
			return
		}
		force := head.forceAssign
		if !force && g.reg.allOccupiedLocked(now, g.cfg.MaxConnections) {
			return
		}
		b := g.reg.selectLocked(now, g.cfg.MaxConnections, force)
		if b == nil {
			if !force {
				return
			}
			g.q.popFront()
			head.state = waiterTerminal
			w := head
			ev := domain.Event{Group: g.name, Type: domain.EventAllDead, RequestID: head.ID, At: now, Wait: now.Sub(head.EnqueuedAt)}
			*jobs = append(*jobs,
				func() { g.conn.Finalize(w, domain.ReasonAllBackendsDead) },
				func() { g.record(ev) },
			)
			continue
		}

		g.q.popFront()
		b.InFlight++
		head.state = waiterAssigned
		head.backend = b
		head.forceAssign = false
		w, addr := head, b.Spec.Address
		ev := domain.Event{Group: g.name, Type: domain.EventDispatched, Backend: b.Spec.Name, RequestID: w.ID, At: now, Wait: now.Sub(w.EnqueuedAt)}
		*jobs = append(*jobs,
			func() { g.conn.Dispatch(w, addr) },
			func() { g.record(ev) },
		)
	}
}

func (g *Group) record(e domain.Event) {
	if g.sink != nil {
		g.sink.Record(e)
	}
}

func runJobs(jobs []job) {
	for _, j := range jobs {
		j()
	}
}

// BackendStat is a point-in-time snapshot of one backend's load, for
// the admin stats endpoint.
type BackendStat struct {
	Name                 string
	Address              string
	InFlight             int
	Fails                uint32
	AdministrativelyDown bool
}

// Stats returns a snapshot of every backend and the current queue depth.
func (g *Group) Stats() (backends []BackendStat, queueLen int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, b := range g.reg.backends {
		backends = append(backends, BackendStat{
			Name:                 b.Spec.Name,
			Address:              b.Spec.Address,
			InFlight:             b.InFlight,
			Fails:                b.Fails,
			AdministrativelyDown: b.Spec.AdministrativelyDown,
		})
	}
	return backends, g.q.len()
}
