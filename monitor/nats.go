package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/goliatone/go-workflow"
)

// Connect dials a NATS server with reconnect handlers reporting to logger.
// An empty url uses nats.DefaultURL.
func Connect(url string, logger workflow.Logger) (*nats.Conn, error) {
	logger = workflow.NormalizeLogger(logger)
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(
		url,
		nats.Name("workflow-monitor"),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Debug("nats connection closed")
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher publishes with core NATS, fire and forget.
type NATSPublisher struct {
	conn *nats.Conn
}

// Publish sends data on subject. ctx is only checked before sending.
func (p NATSPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.conn.Publish(subject, data)
}

// JetStreamPublisher publishes to a stream and waits for the ack.
type JetStreamPublisher struct {
	js jetstream.JetStream
}

func (p JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(ctx, subject, data)
	return err
}

// NewNATSMonitor publishes events over a core NATS connection.
func NewNATSMonitor(conn *nats.Conn, opts ...PublisherOption) *PublisherMonitor {
	return NewPublisherMonitor(NATSPublisher{conn: conn}, opts...)
}

// NewJetStreamMonitor ensures a stream captures the event subjects and
// publishes events to it.
func NewJetStreamMonitor(ctx context.Context, conn *nats.Conn, stream string, opts ...PublisherOption) (*PublisherMonitor, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("create jetstream: %w", err)
	}
	m := NewPublisherMonitor(JetStreamPublisher{js: js}, opts...)
	if stream == "" {
		stream = "WORKFLOW_EVENTS"
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{m.prefix + ".>"},
		MaxAge:   7 * 24 * time.Hour,
	}); err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", stream, err)
	}
	return m, nil
}
