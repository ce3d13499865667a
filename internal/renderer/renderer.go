// Package renderer is the presentation adapter at the end of the relay
// chain. It keeps the currently visible components, expires each one after
// a fixed TTL and writes a terminal line per arrival. The relay core knows
// nothing about it.
package renderer

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/componentry/relay/internal/event"
)

// Renderer is an in-memory store of live components with auto-removal.
type Renderer struct {
	ttl    time.Duration
	out    io.Writer
	logger *zap.Logger

	mu         sync.Mutex
	components map[string]event.Event
	timers     map[string]*time.Timer
	closed     bool
}

// New creates a Renderer writing display lines to out. A non-positive ttl
// keeps components forever.
func New(ttl time.Duration, out io.Writer, logger *zap.Logger) *Renderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{
		ttl:        ttl,
		out:        out,
		logger:     logger.Named("renderer"),
		components: make(map[string]event.Event),
		timers:     make(map[string]*time.Timer),
	}
}

// Show displays a component and schedules its removal. It is the relay
// client's delivery callback.
func (r *Renderer) Show(ev event.Event) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.components[ev.ID] = ev
	if r.ttl > 0 {
		if t, ok := r.timers[ev.ID]; ok {
			t.Stop()
		}
		r.timers[ev.ID] = time.AfterFunc(r.ttl, func() { r.expire(ev.ID) })
	}
	count := len(r.components)
	r.mu.Unlock()

	if r.out != nil {
		fmt.Fprintf(r.out, "[%s] %s %s %s\n",
			ev.CreatedAt.Format(time.RFC3339), ev.Kind, ev.ID, string(ev.Payload))
	}
	r.logger.Info("component shown",
		zap.String("event", ev.ID), zap.String("kind", string(ev.Kind)), zap.Int("visible", count))
}

// Visible returns the components currently on display.
func (r *Renderer) Visible() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Event, 0, len(r.components))
	for _, ev := range r.components {
		out = append(out, ev)
	}
	return out
}

// Close cancels all pending expiry timers.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

func (r *Renderer) expire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	delete(r.components, id)
	delete(r.timers, id)
	r.logger.Debug("component expired", zap.String("event", id))
}
