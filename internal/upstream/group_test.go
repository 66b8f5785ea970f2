package upstream

import (
	"sync"
	"testing"
	"time"

	"admissionctl/internal/domain"
)

type dispatchRec struct {
	waiter *Waiter
	addr   string
}

type finalizeRec struct {
	waiter *Waiter
	reason domain.FinalizeReason
}

type fakeConnector struct {
	dispatchCh chan dispatchRec
	finalizeCh chan finalizeRec
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{
		dispatchCh: make(chan dispatchRec, 64),
		finalizeCh: make(chan finalizeRec, 64),
	}
}

func (f *fakeConnector) Dispatch(w *Waiter, addr string) {
	f.dispatchCh <- dispatchRec{w, addr}
}

func (f *fakeConnector) Finalize(w *Waiter, reason domain.FinalizeReason) {
	f.finalizeCh <- finalizeRec{w, reason}
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *fakeSink) Record(e domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func mustDispatch(t *testing.T, ch chan dispatchRec) dispatchRec {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Dispatch")
		return dispatchRec{}
	}
}

func mustFinalize(t *testing.T, ch chan finalizeRec) finalizeRec {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Finalize")
		return finalizeRec{}
	}
}

func assertNoDispatch(t *testing.T, ch chan dispatchRec) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected Dispatch for %s", r.waiter.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func oneBackendGroup(cfg Config, conn Connector, sink EventSink) *Group {
	return NewGroup("g", cfg, []domain.BackendSpec{
		{Name: "b1", Address: "10.0.0.1:80", Weight: 1, MaxFails: 3, FailTimeout: time.Minute},
	}, conn, sink)
}

// Bursty admission: the first request to arrive gets a backend immediately;
// a second request arriving while the sole backend is saturated queues
// instead of being rejected.
func TestBurstyAdmissionQueuesBehindCapacity(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	g := oneBackendGroup(cfg, conn, &fakeSink{})

	w1, err := g.PeerInit("r1")
	if err != nil {
		t.Fatalf("PeerInit r1: %v", err)
	}
	d1 := mustDispatch(t, conn.dispatchCh)
	if d1.waiter != w1 {
		t.Fatalf("dispatched waiter = %s, want r1", d1.waiter.ID)
	}

	w2, err := g.PeerInit("r2")
	if err != nil {
		t.Fatalf("PeerInit r2: %v", err)
	}
	assertNoDispatch(t, conn.dispatchCh)
	if !w2.Queued() {
		t.Fatal("r2 should still be queued while backend is saturated")
	}
}

// Queue-full rejection: once max_queue_length is reached, further
// arrivals are rejected synchronously rather than queued.
func TestQueueFullRejectsSynchronously(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.MaxQueueLength = 1
	g := oneBackendGroup(cfg, conn, &fakeSink{})

	if _, err := g.PeerInit("r1"); err != nil {
		t.Fatalf("PeerInit r1: %v", err)
	}
	mustDispatch(t, conn.dispatchCh)

	if _, err := g.PeerInit("r2"); err != nil {
		t.Fatalf("PeerInit r2: %v", err)
	} // fills the one queue slot

	if _, err := g.PeerInit("r3"); err != ErrQueueFull {
		t.Fatalf("PeerInit r3 err = %v, want ErrQueueFull", err)
	}
}

// Dispatch on completion: freeing a backend slot immediately serves the
// next waiter in line.
func TestDispatchOnCompletion(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	g := oneBackendGroup(cfg, conn, &fakeSink{})

	w1, _ := g.PeerInit("r1")
	mustDispatch(t, conn.dispatchCh)
	w2, _ := g.PeerInit("r2")
	assertNoDispatch(t, conn.dispatchCh)

	g.PeerFree(w1, domain.FreeSuccess)

	d2 := mustDispatch(t, conn.dispatchCh)
	if d2.waiter != w2 {
		t.Fatalf("dispatched waiter = %s, want r2", d2.waiter.ID)
	}
}

// Queue timeout: a waiter that outlives queue_timeout is evicted and
// finalized even though no slot ever freed up.
func TestQueueTimeoutFinalizesExpiredWaiter(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.QueueTimeout = 20 * time.Millisecond
	g := oneBackendGroup(cfg, conn, &fakeSink{})

	_, _ = g.PeerInit("r1")
	mustDispatch(t, conn.dispatchCh)
	w2, _ := g.PeerInit("r2")

	fin := mustFinalize(t, conn.finalizeCh)
	if fin.waiter != w2 {
		t.Fatalf("finalized waiter = %s, want r2", fin.waiter.ID)
	}
	if fin.reason != domain.ReasonQueueExpired {
		t.Fatalf("finalize reason = %v, want ReasonQueueExpired", fin.reason)
	}
}

// Client-close cooldown: a client-closed slot is not immediately
// reusable; it becomes available only after the batched cool-down fires.
func TestClientCloseCooldownDelaysRelease(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	g := oneBackendGroup(cfg, conn, &fakeSink{})

	w1, _ := g.PeerInit("r1")
	mustDispatch(t, conn.dispatchCh)
	w2, _ := g.PeerInit("r2")

	g.PeerFree(w1, domain.FreeClientClosed)
	assertNoDispatch(t, conn.dispatchCh) // still cooling down

	select {
	case r := <-conn.dispatchCh:
		if r.waiter != w2 {
			t.Fatalf("dispatched waiter = %s, want r2", r.waiter.ID)
		}
	case <-time.After(800 * time.Millisecond):
		t.Fatal("r2 was never dispatched after cooldown elapsed")
	}
}

// Failure-retry preserves seniority: a waiter bumped back to the queue
// after a backend failure cuts back in ahead of requests that were
// already waiting, instead of losing its place.
func TestBackendFailedRetryPreservesSeniority(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.MaxRetries = 1
	g := oneBackendGroup(cfg, conn, &fakeSink{})

	wOld, _ := g.PeerInit("old")
	mustDispatch(t, conn.dispatchCh)
	originalEnqueuedAt := wOld.EnqueuedAt

	wMid, _ := g.PeerInit("mid")
	assertNoDispatch(t, conn.dispatchCh)

	g.PeerFree(wOld, domain.FreeBackendFailed)

	next := mustDispatch(t, conn.dispatchCh)
	if next.waiter != wOld {
		t.Fatalf("dispatched waiter = %s, want old (retried waiter keeps priority)", next.waiter.ID)
	}
	if wOld.EnqueuedAt != originalEnqueuedAt {
		t.Fatal("EnqueuedAt changed on retry; seniority was not preserved")
	}
	if wOld.retries != 1 {
		t.Fatalf("retries = %d, want 1", wOld.retries)
	}

	g.PeerFree(wOld, domain.FreeSuccess)
	d := mustDispatch(t, conn.dispatchCh)
	if d.waiter != wMid {
		t.Fatalf("dispatched waiter = %s, want mid", d.waiter.ID)
	}
}

// BackendFailed exhausting retries finalizes the waiter instead of
// looping forever against a backend that keeps failing. Since the
// backend took only one failure and is still well within its
// max_fails budget, the group is not all-dead, and the request must be
// told RetriesExhausted rather than the stronger AllBackendsDead claim.
func TestBackendFailedExhaustsRetriesStillEligibleBackend(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.MaxRetries = 0
	g := oneBackendGroup(cfg, conn, &fakeSink{}) // backend's MaxFails defaults to 3 in oneBackendGroup

	w1, _ := g.PeerInit("r1")
	mustDispatch(t, conn.dispatchCh)

	g.PeerFree(w1, domain.FreeBackendFailed)

	fin := mustFinalize(t, conn.finalizeCh)
	if fin.waiter != w1 || fin.reason != domain.ReasonRetriesExhausted {
		t.Fatalf("finalize = %+v, want r1/RetriesExhausted (backend is still eligible)", fin)
	}
}

// BackendFailed exhausting retries against a backend that the same
// failure has just made ineligible (max_fails reached) is genuinely
// AllBackendsDead: the registry has nothing left to offer, not just
// this one request giving up.
func TestBackendFailedExhaustsRetriesAllBackendsDead(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.MaxRetries = 0
	g := NewGroup("g", cfg, []domain.BackendSpec{
		{Name: "b1", Address: "10.0.0.1:80", Weight: 1, MaxFails: 1, FailTimeout: time.Minute},
	}, conn, &fakeSink{})

	w1, _ := g.PeerInit("r1")
	mustDispatch(t, conn.dispatchCh)

	g.PeerFree(w1, domain.FreeBackendFailed) // this single failure reaches MaxFails=1

	fin := mustFinalize(t, conn.finalizeCh)
	if fin.waiter != w1 || fin.reason != domain.ReasonAllBackendsDead {
		t.Fatalf("finalize = %+v, want r1/AllBackendsDead", fin)
	}
}

func TestPeerGetContractRejectsUnassignedWaiter(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 0 // nothing can be assigned
	g := oneBackendGroup(cfg, conn, &fakeSink{})

	w, _ := g.PeerInit("r1")
	if !w.Queued() {
		t.Fatal("r1 should be queued when max_connections is 0")
	}
	if _, err := g.PeerGet(w); err != ErrNotPending {
		t.Fatalf("PeerGet err = %v, want ErrNotPending", err)
	}
}

func TestSetAdministrativelyDownDispatchesQueuedWaitersOnRecovery(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	g := oneBackendGroup(cfg, conn, &fakeSink{})

	g.SetAdministrativelyDown("b1", true)
	w, err := g.PeerInit("r1")
	if err != nil {
		t.Fatalf("PeerInit: %v", err)
	}
	assertNoDispatch(t, conn.dispatchCh)
	if !w.Queued() {
		t.Fatal("r1 should queue while the only backend is administratively down")
	}

	g.SetAdministrativelyDown("b1", false)
	d := mustDispatch(t, conn.dispatchCh)
	if d.waiter != w {
		t.Fatalf("dispatched waiter = %s, want r1", d.waiter.ID)
	}
}

func TestPeerCancelRemovesQueuedWaiterOnly(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	g := oneBackendGroup(cfg, conn, &fakeSink{})

	w1, _ := g.PeerInit("r1")
	mustDispatch(t, conn.dispatchCh)
	w2, _ := g.PeerInit("r2")
	if !w2.Queued() {
		t.Fatal("r2 should be queued")
	}

	g.PeerCancel(w2)
	if _, queueLen := g.Stats(); queueLen != 0 {
		t.Fatalf("queueLen after cancel = %d, want 0", queueLen)
	}

	// Canceling an already-assigned waiter must be a no-op.
	g.PeerCancel(w1)
	if !w1.Assigned() {
		t.Fatal("PeerCancel must not touch an already-assigned waiter")
	}
}

func TestStatsReportsQueueDepthAndInFlight(t *testing.T) {
	conn := newFakeConnector()
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	g := oneBackendGroup(cfg, conn, &fakeSink{})

	g.PeerInit("r1")
	mustDispatch(t, conn.dispatchCh)
	g.PeerInit("r2")

	backends, queueLen := g.Stats()
	if queueLen != 1 {
		t.Fatalf("queueLen = %d, want 1", queueLen)
	}
	if len(backends) != 1 || backends[0].InFlight != 1 {
		t.Fatalf("backends = %+v, want one backend with InFlight=1", backends)
	}
}
