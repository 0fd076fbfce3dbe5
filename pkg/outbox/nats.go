package outbox

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"
)

type NATSPublisher interface {
	PublishMsg(m *nats.Msg) error
}

type NATSDispatcher struct {
	log     *slog.Logger
	conn    NATSPublisher
	subject string
}

// NewNATSDispatcher publishes each event on "<subject>.<aggregate type>.<event type>".
func NewNATSDispatcher(log *slog.Logger, conn NATSPublisher, subject string) *NATSDispatcher {
	return &NATSDispatcher{log: log, conn: conn, subject: subject}
}

func (d *NATSDispatcher) Dispatch(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := nats.NewMsg(d.subject + "." + event.AggregateType + "." + event.Type)
	msg.Data = event.Payload
	for k, v := range event.Headers {
		msg.Header.Set(k, v)
	}
	msg.Header.Set("event_type", event.Type)
	msg.Header.Set("aggregate_id", event.AggregateID)
	if event.Traceparent != "" {
		msg.Header.Set("traceparent", event.Traceparent)
	}
	if err := d.conn.PublishMsg(msg); err != nil {
		d.log.Error("outbox dispatch failed", "event_id", event.ID, "err", err)
		return err
	}
	return nil
}
