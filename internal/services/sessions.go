package services

import (
	"encoding/json"
	"net/http"

	"github.com/dpup/prefab/logging"

	"github.com/lima-limon-inc/ferrostar/internal/lib/tracker"
	"github.com/lima-limon-inc/ferrostar/internal/navigation"
)

// SessionAPI exposes read-only session state over HTTP
type SessionAPI struct {
	manager *navigation.Manager
	stream  *EventStream
}

// SessionResponse is the JSON body of GET /sessions/{id}
type SessionResponse struct {
	ID    string                  `json:"id"`
	State tracker.NavigationState `json:"state"`
}

// NewSessionAPI creates the API; stream may be nil to disable event streaming
func NewSessionAPI(manager *navigation.Manager, stream *EventStream) *SessionAPI {
	return &SessionAPI{manager: manager, stream: stream}
}

// Register adds the session routes to mux
func (a *SessionAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions", a.list)
	mux.HandleFunc("GET /sessions/{id}", a.get)
	if a.stream != nil {
		mux.Handle("GET /sessions/{id}/events", a.stream)
	}
}

func (a *SessionAPI) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string][]string{"sessions": a.manager.IDs()})
}

func (a *SessionAPI) get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, ok := a.manager.Get(id)
	if !ok {
		http.Error(w, navigation.ErrSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, r, http.StatusOK, SessionResponse{ID: id, State: s.Snapshot()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warnw(logging.EnsureLogger(r.Context()), "Failed to write response", "path", r.URL.Path, "error", err)
	}
}
