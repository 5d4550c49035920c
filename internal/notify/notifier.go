// Package notify delivers operator alerts (failed deployments, reconciliation
// failures, outcome conflicts) to chat webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Message is one alert.
type Message struct {
	Event string    `json:"event"`
	Title string    `json:"title"`
	Body  string    `json:"message"`
	At    time.Time `json:"at"`
}

// Sender is a single delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier fans alerts out to every sender. Events outside the allowed set
// are dropped, and a repeat of the same event and title inside the cooldown
// is suppressed.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

// NewNotifier creates a Notifier. An empty events list allows every event;
// a zero cooldown disables suppression.
func NewNotifier(senders []Sender, events []string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Notify delivers an alert for event to every sender. A failing sender does
// not stop delivery to the rest; all failures are joined into the result.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "notify: event filtered out", slog.String("event", event))
		return nil
	}
	at := n.now().UTC()
	if n.suppressed(event+"\x00"+title, at) {
		n.logger.DebugContext(ctx, "notify: suppressed repeat", slog.String("event", event))
		return nil
	}

	msg := Message{Event: event, Title: title, Body: message, At: at}
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (n *Notifier) suppressed(key string, at time.Time) bool {
	if n.cooldown <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if prev, ok := n.last[key]; ok && at.Sub(prev) < n.cooldown {
		return true
	}
	n.last[key] = at
	return false
}
