package resilient

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// NewDebugHandler exposes read-only introspection over HTTP for UI
// badges and local debugging: queue stats ("N pending actions"), the
// pending list, best-effort removal, a drain trigger, and token validity.
// It is the only surface other application code should read queue state
// through.
func NewDebugHandler(tokens *Manager, q *Queue) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/queue/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, q.Stats())
	}).Methods(http.MethodGet)

	r.HandleFunc("/queue/requests", func(w http.ResponseWriter, _ *http.Request) {
		type entry struct {
			ID         string `json:"id"`
			Method     string `json:"method"`
			URL        string `json:"url"`
			Priority   string `json:"priority"`
			EnqueuedAt int64  `json:"enqueuedAt"`
			RetryCount int    `json:"retryCount"`
		}
		items := q.Snapshot()
		out := make([]entry, 0, len(items))
		for _, it := range items {
			out = append(out, entry{
				ID:         it.ID,
				Method:     it.Request.Method,
				URL:        it.Request.URL,
				Priority:   it.Priority.String(),
				EnqueuedAt: it.EnqueuedAt,
				RetryCount: it.RetryCount,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}).Methods(http.MethodGet)

	r.HandleFunc("/queue/requests/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		if !q.Remove(id) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown request id"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"removed": id})
	}).Methods(http.MethodDelete)

	r.HandleFunc("/queue/process", func(w http.ResponseWriter, _ *http.Request) {
		go q.Process(context.Background())
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
	}).Methods(http.MethodPost)

	r.HandleFunc("/auth/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"valid": tokens.Valid()})
	}).Methods(http.MethodGet)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
