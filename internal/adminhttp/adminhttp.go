// Package adminhttp serves a small read-only status surface alongside the
// binary protocol listeners, mirroring walletserver/main.go's
// mux.NewRouter() wiring and walletserver/middleware.Logger. It is
// strictly supplementary operability (SPEC_FULL.md §3): the control
// channel of spec.md §4.8/§6 remains the only way to administer the
// instance.
package adminhttp

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// StatusProvider is whatever the instance exposes for the status page —
// kept minimal so this package has no dependency on internal/instance.
type StatusProvider interface {
	ConnectionCount() int
	AgentIDString() (string, bool)
}

// NewRouter builds the admin HTTP router: /healthz for a liveness probe,
// /status for a small JSON summary.
func NewRouter(sp StatusProvider, log *logrus.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(log))
	r.HandleFunc("/healthz", healthzHandler).Methods("GET")
	r.HandleFunc("/status", statusHandler(sp)).Methods("GET")
	return r
}

func loggingMiddleware(log *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.RequestURI,
				"duration": time.Since(start),
			}).Info("admin http request")
		})
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statusResponse struct {
	AgentID     string `json:"agent_id,omitempty"`
	KeyInstalled bool   `json:"key_installed"`
	Connections int    `json:"connections"`
}

func statusHandler(sp StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, ok := sp.AgentIDString()
		resp := statusResponse{
			AgentID:      agentID,
			KeyInstalled: ok,
			Connections:  sp.ConnectionCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
