// Package health provides the HTTP health check handler.
//
// The endpoint is a liveness probe: a running process that can serve HTTP is
// considered healthy. The response is a JSON object with "status",
// "service", and "timestamp" fields.
package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// response is the JSON body served by the health endpoint.
type response struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
}

// Handler serves the /health endpoint. It is safe for concurrent use.
type Handler struct {
	service string
	now     func() time.Time
}

// New creates a [Handler] reporting the given service name.
func New(service string) *Handler {
	return &Handler{service: service, now: time.Now}
}

// Health always returns 200 with the standard health body.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response{
		Status:    "healthy",
		Service:   h.service,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Register adds the GET /health route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
}
