// Package nats implements the Notifier port by publishing status
// updates over a NATS connection, propagating the caller's trace
// context in the message headers.
package nats

import (
	"context"
	"encoding/json"

	natsgo "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var propagator = propagation.TraceContext{}

// Notifier publishes workflow status transitions onto a NATS subject
// derived from the topic argument.
type Notifier struct {
	conn *natsgo.Conn
}

// New wraps an already-connected NATS client.
func New(conn *natsgo.Conn) *Notifier {
	return &Notifier{conn: conn}
}

// Publish marshals message as JSON and publishes it on topic, injecting
// the current span context into the NATS message headers.
func (n *Notifier) Publish(ctx context.Context, topic string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	hdr := natsgo.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return n.conn.PublishMsg(&natsgo.Msg{Subject: topic, Data: data, Header: hdr})
}

// Subscribe wraps conn.Subscribe, extracting the propagated trace
// context for each message before invoking handler.
func Subscribe(conn *natsgo.Conn, subject string, handler func(context.Context, *natsgo.Msg)) (*natsgo.Subscription, error) {
	return conn.Subscribe(subject, func(m *natsgo.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("taskengine")
		ctx, span := tr.Start(ctx, "nats.consume")
		defer span.End()
		handler(ctx, m)
	})
}
