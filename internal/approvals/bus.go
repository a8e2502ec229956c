package approvals

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/gatekeeper/pkg/models"
)

// publish broadcasts a lifecycle event on the well-known channel. The bus is
// pure fire-and-forget: a failed publish is logged and swallowed, never
// surfaced to the operation that triggered it. Channels that miss an event
// recover by polling the ledger.
func (s *Service) publish(ctx context.Context, event models.EventType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("drop unencodable bus event", "event", event, "error", err)
		return
	}
	frame, err := json.Marshal(models.Event{
		Channel:   "approval",
		Event:     event,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("drop unencodable bus event", "event", event, "error", err)
		return
	}
	if err := s.store.Redis().Publish(ctx, eventsChannel, frame).Err(); err != nil {
		s.logger.Warn("bus publish failed", "event", event, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.EventsPublished.WithLabelValues(string(event)).Inc()
	}
}

// Subscribe delivers decoded lifecycle events until the context is
// cancelled, at which point the returned channel closes. Malformed frames
// are dropped with a log line. Delivery is best-effort; subscribers must be
// idempotent.
func (s *Service) Subscribe(ctx context.Context) <-chan *models.Event {
	sub := s.store.Redis().Subscribe(ctx, eventsChannel)
	out := make(chan *models.Event, 16)

	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event models.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					s.logger.Warn("drop malformed bus event", "error", err)
					continue
				}
				select {
				case out <- &event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
