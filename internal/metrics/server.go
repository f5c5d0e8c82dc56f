package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"revbroker/internal/session"
)

// SessionLister is the read model served at /api/sessions.
type SessionLister interface {
	List() []session.Record
}

type Readiness interface {
	Ready() bool
}

type sessionsResponse struct {
	Sessions []session.Record `json:"sessions"`
	Count    int              `json:"count"`
	Time     time.Time        `json:"time"`
}

// Handler serves Prometheus metrics plus health, readiness and session state.
func Handler(sessions SessionLister, ready Readiness) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		list := sessions.List()
		if list == nil {
			list = []session.Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(sessionsResponse{Sessions: list, Count: len(list), Time: time.Now().UTC()})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !ready.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// NewServer wraps Handler in an http.Server on addr.
func NewServer(addr string, sessions SessionLister, ready Readiness) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           Handler(sessions, ready),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
