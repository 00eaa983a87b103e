package health

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/stratfleet/internal/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder captures every event emitted on a bus.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func newRecorder(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.SubscribeAll(func(_ context.Context, ev events.Event) {
		r.mu.Lock()
		r.evs = append(r.evs, ev)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) named(name string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count(name string) int { return len(r.named(name)) }
