// Package admin exposes a bearer-token-protected JSON stats endpoint over
// the upstream groups a running admissiond is managing; errors are
// answered as JSON too, through writeError.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"admissionctl/internal/upstream"
)

type errorResponse struct {
	Error string `json:"error"`
}

type groupStats struct {
	Name     string              `json:"name"`
	Queue    int                 `json:"queue_length"`
	Backends []upstream.BackendStat `json:"backends"`
}

// Handler serves GET /stats, listing every backend's in-flight count and
// the wait queue depth for each configured upstream group.
type Handler struct {
	groups     map[string]*upstream.Group
	tokenHash  []byte
	authActive bool
}

// NewHandler builds a Handler over groups. tokenHash is a bcrypt hash of
// the bearer token required on every request; an empty tokenHash disables
// authentication entirely (for local/dev use).
func NewHandler(groups map[string]*upstream.Group, tokenHash string) *Handler {
	return &Handler{
		groups:     groups,
		tokenHash:  []byte(tokenHash),
		authActive: tokenHash != "",
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.authActive && !h.authorized(r) {
		h.writeError(w, http.StatusUnauthorized, "missing or invalid admin token")
		return
	}

	out := make([]groupStats, 0, len(h.groups))
	for name, g := range h.groups {
		backends, queueLen := g.Stats()
		out = append(out, groupStats{Name: name, Queue: queueLen, Backends: backends})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) authorized(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" || token == authHeader {
		return false
	}
	return bcrypt.CompareHashAndPassword(h.tokenHash, []byte(token)) == nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
