// Package api exposes the scan queue to the local scanner UI over HTTP and
// pushes indicator changes over a WebSocket.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires every endpoint. hub may be nil, in which case /ws is not
// served and manual sync passes announce nothing.
func NewRouter(h *Handler, hub *Hub) *mux.Router {
	h.events = hub
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api.HandleFunc("/scans", h.CreateScan).Methods(http.MethodPost)
	api.HandleFunc("/scans", h.ListScans).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", h.GetScan).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", h.DeleteScan).Methods(http.MethodDelete)

	api.HandleFunc("/queue/stats", h.QueueStats).Methods(http.MethodGet)
	api.HandleFunc("/queue/exceeding", h.ExceedingRetries).Methods(http.MethodGet)
	api.HandleFunc("/queue/cleanup", h.Cleanup).Methods(http.MethodPost)

	// /sync/retry must be registered before /sync/{id}.
	api.HandleFunc("/sync", h.SyncNow).Methods(http.MethodPost)
	api.HandleFunc("/sync/retry", h.RetryFailed).Methods(http.MethodPost)
	api.HandleFunc("/sync/{id}", h.SyncOne).Methods(http.MethodPost)

	api.HandleFunc("/network", h.SetNetwork).Methods(http.MethodPut)
	api.HandleFunc("/state", h.State).Methods(http.MethodGet)

	if hub != nil {
		r.HandleFunc("/ws", hub.ServeWS).Methods(http.MethodGet)
	}
	return r
}
