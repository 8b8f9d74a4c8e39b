// Package queue defines the broker-agnostic consumer/publisher contract
// implemented by the sqlite, amqp, and sqs drivers.
package queue

import (
	"context"
	"errors"
	"time"

	"go.flowcatalyst.tech/internal/model"
)

// Sentinel errors returned by driver implementations. Upper layers never
// see a driver-specific error type, only these.
var (
	// ErrStopped is returned by Poll after Stop has been called.
	ErrStopped = errors.New("queue: consumer stopped")
	// ErrNotFound is returned by Ack/Nack/ExtendVisibility when the receipt
	// handle is unknown (already acked, expired, or never existed).
	ErrNotFound = errors.New("queue: receipt handle not found")
	// ErrSerialization is returned when a stored or received payload cannot
	// be decoded as a model.MessagePointer.
	ErrSerialization = errors.New("queue: serialization error")
	// ErrDatabase wraps a driver-internal storage error.
	ErrDatabase = errors.New("queue: database error")
)

// ConsumerMetrics reports depths a driver can cheaply observe. Fields are
// best-effort; a driver that cannot observe a figure leaves it at zero.
type ConsumerMetrics struct {
	PendingDepth  int
	InFlightDepth int
}

// Consumer polls a single queue for messages and acknowledges or rejects
// them by receipt handle. Implementations must be safe for concurrent use
// by one poller goroutine and any number of ack/nack callers.
type Consumer interface {
	// Poll returns up to max available messages without blocking the
	// caller indefinitely; drivers may long-poll internally within a short
	// bound to preserve shutdown responsiveness.
	Poll(ctx context.Context, max int) ([]model.QueuedMessage, error)

	// Ack acknowledges successful processing, permanently removing the
	// message from the queue.
	Ack(handle string) error

	// Nack makes the message visible again after delay (nil means
	// immediately).
	Nack(handle string, delay *time.Duration) error

	// ExtendVisibility is best-effort; drivers that cannot extend
	// visibility treat this as a no-op rather than an error.
	ExtendVisibility(handle string, d time.Duration) error

	// IsHealthy reports whether the underlying broker connection is usable.
	IsHealthy() bool

	// Stop idempotently stops the consumer; subsequent Poll calls return
	// ErrStopped.
	Stop() error

	// Metrics returns best-effort depth counters.
	Metrics() ConsumerMetrics

	// Name identifies the consumer for logging and health reporting.
	Name() string
}

// Publisher publishes messages to a queue. Publish is idempotent on
// duplicate ids within the same queue where the driver supports it (sqlite
// and SQS FIFO do; the NATS driver sets the JetStream message id to the
// JobID, so duplicates are dropped only within the stream's duplicate
// window).
type Publisher interface {
	Publish(ctx context.Context, msg model.MessagePointer) (string, error)
	PublishBatch(ctx context.Context, msgs []model.MessagePointer) error
	Close() error
}
