// Package ingress is the HTTP adapter through which new events enter the
// system: a request-to-publish shim in front of the broker, plus the
// synchronous history and health endpoints.
package ingress

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/componentry/relay/internal/broker"
	"github.com/componentry/relay/internal/event"
)

// Ingress publishes externally submitted components to the broker. It does
// no validation beyond requiring a known kind, and it reports nothing about
// downstream delivery: publishing is fire-and-forget.
type Ingress struct {
	broker *broker.Broker
	topic  string
	logger *zap.Logger
}

// New creates an Ingress publishing to topic on b.
func New(b *broker.Broker, topic string, logger *zap.Logger) *Ingress {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingress{broker: b, topic: topic, logger: logger.Named("ingress")}
}

// RegisterRoutes wires the ingress endpoints.
func (i *Ingress) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/components", i.CreateComponent).Methods(http.MethodPost)
	r.HandleFunc("/api/components", i.ListComponents).Methods(http.MethodGet)
	r.HandleFunc("/healthz", i.Healthz).Methods(http.MethodGet)
}

type createRequest struct {
	Kind    event.Kind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// CreateComponent mints an Event from the request body and publishes it.
// The response acknowledges the publish only; delivery is best effort.
func (i *Ingress) CreateComponent(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	ev, err := event.New(req.Kind, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	i.broker.Publish(i.topic, ev)
	i.logger.Info("component published",
		zap.String("event", ev.ID), zap.String("kind", string(ev.Kind)))
	writeJSON(w, http.StatusAccepted, ev)
}

// ListComponents returns the broker's bounded publish history, oldest
// first. Late joiners poll this instead of replaying the subscription.
func (i *Ingress) ListComponents(w http.ResponseWriter, r *http.Request) {
	events := i.broker.Recent()
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// Healthz reports liveness and the retained component count.
func (i *Ingress) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"components": i.broker.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
