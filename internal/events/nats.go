package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject prefix events are published under.
const DefaultSubject = "runbox.runs"

type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATSPublisher publishes events as JSON on <subject>.<started|finished>.
type NATSPublisher struct {
	conn    natsConn
	subject string
}

// Connect dials the NATS server at url.
func Connect(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("runbox"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return newNATSPublisher(nc, subject), nil
}

func newNATSPublisher(conn natsConn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{conn: conn, subject: subject}
}

func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	subj := SubjectFor(p.subject, e.Type)
	if err := p.conn.Publish(subj, data); err != nil {
		return fmt.Errorf("publishing %s: %w", subj, err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// SubjectFor returns the subject an event type is published on.
func SubjectFor(prefix, eventType string) string {
	return prefix + "." + strings.TrimPrefix(eventType, "run.")
}

// Subscribe delivers every event published under prefix to fn until the
// returned subscription is drained.
func Subscribe(nc *nats.Conn, prefix string, fn func(Event)) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultSubject
	}
	return nc.Subscribe(prefix+".>", func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			return
		}
		fn(e)
	})
}
