// Package proxy is the thin HTTP-facing collaborator that drives an
// upstream.Group: it turns each incoming request into a peer.init call,
// waits for the core's admission decision, and reverse-proxies the
// request once a backend has been assigned.
package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"admissionctl/internal/domain"
	"admissionctl/internal/telemetry"
	"admissionctl/internal/upstream"
)

// outcome is what a pending request is eventually told by the core,
// delivered through the Connector below.
type outcome struct {
	addr     string
	finalize bool
	reason   domain.FinalizeReason
}

// connector implements upstream.Connector, correlating each Dispatch/
// Finalize callback back to the goroutine blocked in Handler.ServeHTTP
// via the waiter's request ID.
type connector struct {
	mu      sync.Mutex
	pending map[string]chan outcome
}

func newConnector() *connector {
	return &connector{pending: make(map[string]chan outcome)}
}

func (c *connector) register(id string) chan outcome {
	ch := make(chan outcome, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *connector) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *connector) deliver(id string, o outcome) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- o
	}
}

func (c *connector) Dispatch(w *upstream.Waiter, addr string) {
	c.deliver(w.ID, outcome{addr: addr})
}

func (c *connector) Finalize(w *upstream.Waiter, reason domain.FinalizeReason) {
	c.deliver(w.ID, outcome{finalize: true, reason: reason})
}

// NewConnector constructs the upstream.Connector a Handler's Group must
// be built with.
func NewConnector() upstream.Connector {
	return newConnector()
}

// Handler reverse-proxies HTTP requests through one upstream.Group,
// translating admission decisions into HTTP responses.
type Handler struct {
	group     *upstream.Group
	conn      *connector
	transport http.RoundTripper
	logger    telemetry.Logger
}

// NewHandler builds a Handler for group, using conn (the same Connector
// group was constructed with) to learn dispatch/finalize outcomes.
func NewHandler(group *upstream.Group, conn upstream.Connector, logger telemetry.Logger) *Handler {
	c, ok := conn.(*connector)
	if !ok {
		panic("proxy: NewHandler requires the Connector returned by NewConnector")
	}
	if logger == nil {
		logger = telemetry.LoggerFromContext(context.Background())
	}
	return &Handler{group: group, conn: c, transport: http.DefaultTransport, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	ch := h.conn.register(id)

	waiter, err := h.group.PeerInit(id)
	if err != nil {
		h.conn.unregister(id)
		http.Error(w, "admission queue full", http.StatusServiceUnavailable)
		return
	}

	select {
	case o := <-ch:
		if o.finalize {
			http.Error(w, o.reason.String(), o.reason.StatusCode())
			return
		}
		h.serveBackend(w, r, waiter, o.addr)

	case <-r.Context().Done():
		h.group.PeerCancel(waiter)
		// PeerCancel only removes a still-queued waiter. If Dispatch raced
		// ahead of the cancellation, the waiter is already assigned and
		// its backend slot must still be released through PeerFree.
		if waiter.Assigned() {
			h.group.PeerFree(waiter, domain.FreeClientClosed)
		}
	}
}

func (h *Handler) serveBackend(w http.ResponseWriter, r *http.Request, waiter *upstream.Waiter, addr string) {
	target := &url.URL{Scheme: "http", Host: addr}
	rp := &httputil.ReverseProxy{
		Transport: h.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
		},
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	failed := make(chan struct{}, 1)
	rp.ErrorHandler = func(rw http.ResponseWriter, _ *http.Request, err error) {
		h.logger.Warn("backend request failed", "backend", addr, "error", err)
		rw.WriteHeader(http.StatusBadGateway)
		select {
		case failed <- struct{}{}:
		default:
		}
	}

	rp.ServeHTTP(rec, r)

	select {
	case <-failed:
		h.group.PeerFree(waiter, domain.FreeBackendFailed)
	default:
		if rec.status >= 500 {
			h.group.PeerFree(waiter, domain.FreeBackendFailed)
		} else {
			h.group.PeerFree(waiter, domain.FreeSuccess)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
