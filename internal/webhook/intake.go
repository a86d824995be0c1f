package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/meetscribe/meetscribe/internal/observe"
)

// Handler processes one decoded control event. Handlers for a session are
// never invoked concurrently.
type Handler func(ctx context.Context, ev ControlEvent)

// Intake is the HTTP intake for platform control events. Decoded events are
// dispatched to handlers registered per kind, plus any wildcard handlers,
// before the HTTP response is written; the response thereby back-pressures
// the platform.
type Intake struct {
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu       sync.Mutex // serializes dispatch and guards registration
	handlers map[EventKind][]Handler
	wildcard []Handler
}

// New creates an Intake. A nil logger falls back to slog.Default.
func New(log *slog.Logger, metrics *observe.Metrics) *Intake {
	if log == nil {
		log = slog.Default()
	}
	return &Intake{
		log:      log,
		metrics:  metrics,
		now:      time.Now,
		handlers: make(map[EventKind][]Handler),
	}
}

// On registers fn for events of the given kind.
func (i *Intake) On(kind EventKind, fn Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handlers[kind] = append(i.handlers[kind], fn)
}

// OnAny registers fn for every event kind, invoked after the per-kind
// handlers.
func (i *Intake) OnAny(fn Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.wildcard = append(i.wildcard, fn)
}

// Register adds the webhook route to mux.
func (i *Intake) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{platform}", i.HandleWebhook)
}

// HandleWebhook decodes one control event and dispatches it. Well-formed
// input is acknowledged with 200; malformed input with 400; a handler panic
// with 500.
func (i *Intake) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")

	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	ev, err := parseControlEvent(platform, env, i.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid control event", err.Error())
		return
	}

	if i.metrics != nil {
		i.metrics.RecordWebhookEvent(r.Context(), string(ev.Kind))
	}
	i.log.Info("webhook event received",
		"platform", platform, "event", ev.Kind, "status_code", ev.StatusCode)

	if err := i.dispatch(r.Context(), ev); err != nil {
		i.log.Error("webhook handler failed", "event", ev.Kind, "error", err)
		writeError(w, http.StatusInternalServerError, "handler failure", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// dispatch runs the per-kind handlers then the wildcard handlers under the
// serialization lock. A panic in any handler is recovered and returned.
func (i *Intake) dispatch(ctx context.Context, ev ControlEvent) (err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s: %v", ev.Kind, r)
		}
	}()

	for _, fn := range i.handlers[ev.Kind] {
		fn(ctx, ev)
	}
	for _, fn := range i.wildcard {
		fn(ctx, ev)
	}
	return nil
}

// errorBody is the structured 4xx/5xx response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: msg, Details: details})
}
