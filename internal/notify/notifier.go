// Package notify sends operator alerts for selected coordinator events to
// Telegram and Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/stratfleet/internal/events"
)

// DefaultEvents are forwarded when no event list is configured.
var DefaultEvents = []string{
	events.RecoveryFailed,
	events.InstanceRemoved,
	events.ExchangeStatusChanged,
	events.FailoverTriggered,
	events.RecoveryCompleted,
	events.GroupFailedOver,
	events.EmergencyStop,
	events.SyncFailed,
}

// Sender delivers one message on one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every sender. Only allowed events pass Handle.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. An empty allow list means DefaultEvents.
func NewNotifier(senders []Sender, allow []string, logger *slog.Logger) *Notifier {
	if len(allow) == 0 {
		allow = DefaultEvents
	}
	allowed := make(map[string]bool, len(allow))
	for _, e := range allow {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Handle is an events.Handler. Delivery failures are logged.
func (n *Notifier) Handle(ctx context.Context, ev events.Event) {
	if !n.allowed[ev.Name] {
		return
	}
	// Exchange status changes are only worth an alert when an exchange fails.
	if ev.Name == events.ExchangeStatusChanged && fmt.Sprint(ev.Data["to"]) != "failed" {
		return
	}
	if err := n.Notify(ctx, Title(ev), Format(ev)); err != nil {
		n.logger.WarnContext(ctx, "alert not delivered",
			slog.String("event", ev.Name),
			slog.String("error", err.Error()),
		)
	}
}

// Notify sends title and message to every sender. One failing sender does
// not stop the others.
func (n *Notifier) Notify(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Errorf("notify: %s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}

// Title renders the alert headline for ev.
func Title(ev events.Event) string {
	return fmt.Sprintf("[stratfleet] %s (%s)", ev.Name, ev.Source)
}

// Format renders ev's data as sorted key=value lines.
func Format(ev events.Event) string {
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ev.Time.Format("2006-01-02 15:04:05 MST"))
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s=%v", k, ev.Data[k])
	}
	return b.String()
}
