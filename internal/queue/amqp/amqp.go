// Package amqp provides the AMQP-class queue driver. NATS JetStream is used
// as the concrete broker: its pull-consumer + ack/nak + MaxAckPending model
// maps directly onto the ActiveMQ/RabbitMQ semantics this driver represents
// (per-consumer QoS, basic-ack/basic-nack, no native visibility-extend API).
package amqp

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/internal/model"
	"go.flowcatalyst.tech/internal/queue"
)

// Config configures the NATS JetStream connection.
type Config struct {
	URL        string
	StreamName string
}

// Client owns the NATS connection and JetStream context.
type Client struct {
	nc *nats.Conn
	js jetstream.JetStream
	cfg Config
}

// NewClient connects to the configured NATS server and ensures the stream
// exists.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("amqp: jetstream: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.StreamName,
		Subjects: []string{cfg.StreamName + ".>"},
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("amqp: create stream: %w", err)
	}
	return &Client{nc: nc, js: js, cfg: cfg}, nil
}

// Close closes the underlying NATS connection.
func (c *Client) Close() error {
	c.nc.Close()
	return nil
}

// Consumer creates (or attaches to) a durable pull consumer on subject,
// sizing MaxAckPending to concurrency as the QoS analogue for per-channel
// prefetch.
func (c *Client) Consumer(ctx context.Context, name, subject string, concurrency int, ackWait time.Duration) (*Consumer, error) {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.StreamName, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxAckPending: concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("amqp: create consumer: %w", err)
	}
	return &Consumer{name: name, consumer: cons, inFlight: make(map[string]jetstream.Msg)}, nil
}

// Publisher returns a Publisher that writes to subject.
func (c *Client) Publisher(subject string) *Publisher {
	return &Publisher{js: c.js, subject: subject}
}

// Publisher publishes messages onto a JetStream subject.
type Publisher struct {
	js      jetstream.JetStream
	subject string
}

// Publish publishes msg, using JobID as the Nats-Msg-Id for JetStream's
// built-in duplicate-window deduplication.
func (p *Publisher) Publish(ctx context.Context, msg model.MessagePointer) (string, error) {
	payload, err := msg.Encode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", queue.ErrSerialization, err)
	}
	subject := p.subject
	if msg.MessageGroup != "" {
		subject = p.subject + "." + msg.MessageGroup
	}
	_, err = p.js.Publish(ctx, subject, payload, jetstream.WithMsgID(msg.JobID))
	if err != nil {
		return "", fmt.Errorf("%w: %v", queue.ErrDatabase, err)
	}
	return msg.JobID, nil
}

// PublishBatch publishes each message in turn.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []model.MessagePointer) error {
	for _, m := range msgs {
		if _, err := p.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the underlying connection is owned by Client.
func (p *Publisher) Close() error { return nil }

// Consumer is a durable JetStream pull consumer.
type Consumer struct {
	name     string
	consumer jetstream.Consumer

	inFlight map[string]jetstream.Msg
	stopped  bool
}

// Name implements queue.Consumer.
func (c *Consumer) Name() string { return "amqp:" + c.name }

// Poll fetches up to max messages with a short bound so shutdown stays
// responsive, matching spec's "short timeout" requirement for AMQP-class
// polling.
func (c *Consumer) Poll(ctx context.Context, max int) ([]model.QueuedMessage, error) {
	if c.stopped {
		return nil, queue.ErrStopped
	}
	batch, err := c.consumer.Fetch(max, jetstream.FetchMaxWait(500*time.Millisecond))
	if err != nil {
		if err == nats.ErrTimeout || err == context.DeadlineExceeded {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", queue.ErrDatabase, err)
	}

	var result []model.QueuedMessage
	for msg := range batch.Messages() {
		ptr, err := model.DecodeMessagePointer(msg.Data())
		if err != nil {
			log.Error().Err(err).Msg("amqp queue: malformed payload, acking to avoid poison loop")
			_ = msg.Ack()
			continue
		}
		meta, _ := msg.Metadata()
		handle := fmt.Sprintf("amqp-%d-%d", meta.Sequence.Stream, meta.NumDelivered)
		c.inFlight[handle] = msg
		result = append(result, model.QueuedMessage{
			Pointer:         *ptr,
			ReceiptHandle:   handle,
			QueueIdentifier: c.name,
			ReceiveCount:    int(meta.NumDelivered),
		})
	}
	if err := batch.Error(); err != nil {
		return result, fmt.Errorf("%w: %v", queue.ErrDatabase, err)
	}
	return result, nil
}

// Ack acknowledges the JetStream message identified by handle.
func (c *Consumer) Ack(handle string) error {
	msg, ok := c.inFlight[handle]
	if !ok {
		return queue.ErrNotFound
	}
	delete(c.inFlight, handle)
	return msg.Ack()
}

// Nack negatively acknowledges the message; if delay is set it uses
// JetStream's NakWithDelay, otherwise an immediate redelivery request.
func (c *Consumer) Nack(handle string, delay *time.Duration) error {
	msg, ok := c.inFlight[handle]
	if !ok {
		return queue.ErrNotFound
	}
	delete(c.inFlight, handle)
	if delay != nil {
		return msg.NakWithDelay(*delay)
	}
	return msg.Nak()
}

// ExtendVisibility sends InProgress for the in-flight message, which resets
// JetStream's ack-wait timer to the consumer's configured AckWait; the
// requested duration is ignored. An unknown handle returns ErrNotFound.
func (c *Consumer) ExtendVisibility(handle string, _ time.Duration) error {
	if msg, ok := c.inFlight[handle]; ok {
		return msg.InProgress()
	}
	return queue.ErrNotFound
}

// IsHealthy reports the underlying consumer's reachability.
func (c *Consumer) IsHealthy() bool {
	_, err := c.consumer.Info(context.Background())
	return err == nil
}

// Stop marks the consumer stopped.
func (c *Consumer) Stop() error {
	c.stopped = true
	return nil
}

// Metrics reports pending/in-flight depths from consumer info.
func (c *Consumer) Metrics() queue.ConsumerMetrics {
	info, err := c.consumer.Info(context.Background())
	if err != nil {
		return queue.ConsumerMetrics{}
	}
	return queue.ConsumerMetrics{
		PendingDepth:  int(info.NumPending),
		InFlightDepth: info.NumAckPending,
	}
}
