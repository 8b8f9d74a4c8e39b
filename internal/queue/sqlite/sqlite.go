// Package sqlite provides the embedded, on-disk queue driver used when no
// external broker is configured. It is the only core component that owns
// on-disk state (spec's single table, queue_messages).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/internal/model"
	"go.flowcatalyst.tech/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
	id               TEXT NOT NULL,
	queue_name       TEXT NOT NULL,
	message_group_id TEXT,
	receipt_handle   TEXT,
	visible_at       INTEGER NOT NULL,
	payload          TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	receive_count    INTEGER NOT NULL DEFAULT 0,
	UNIQUE(queue_name, id)
);
CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_messages(queue_name, visible_at, message_group_id);
CREATE INDEX IF NOT EXISTS idx_queue_id ON queue_messages(queue_name, id);
`

// Client owns the shared database handle; Consumer and Publisher for a
// given queue name are both cheap views over it.
type Client struct {
	db *sql.DB
}

// Open creates (if needed) the schema at path and returns a Client.
func Open(path string) (*Client, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded file; avoid SQLITE_BUSY storms
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Client{db: db}, nil
}

// Close closes the underlying database handle.
func (c *Client) Close() error {
	return c.db.Close()
}

// Consumer returns a Consumer bound to queueName.
func (c *Client) Consumer(queueName string, defaultVisibility time.Duration) *Consumer {
	return &Consumer{db: c.db, queueName: queueName, defaultVisibility: defaultVisibility}
}

// Publisher returns a Publisher bound to queueName.
func (c *Client) Publisher(queueName string) *Publisher {
	return &Publisher{db: c.db, queueName: queueName}
}

// Publisher publishes messages into the embedded queue table.
type Publisher struct {
	db        *sql.DB
	queueName string
}

// Publish inserts msg, using its JobID as the row id. Re-publishing the same JobID is a
// no-op that returns the existing row's id, relying on the UNIQUE(queue_name,
// id) constraint for idempotency.
func (p *Publisher) Publish(ctx context.Context, msg model.MessagePointer) (string, error) {
	id := msg.JobID
	payload, err := msg.Encode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", queue.ErrSerialization, err)
	}

	now := time.Now().UnixMilli()
	var groupID any
	if msg.MessageGroup != "" {
		groupID = msg.MessageGroup
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO queue_messages (id, queue_name, message_group_id, visible_at, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(queue_name, id) DO NOTHING`,
		id, p.queueName, groupID, now, string(payload), now,
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", queue.ErrDatabase, err)
	}
	return id, nil
}

// PublishBatch publishes each message in turn; the embedded driver has no
// native batch API, so this is a loop with one insert per message.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []model.MessagePointer) error {
	for _, m := range msgs {
		if _, err := p.Publish(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the shared db handle outlives any single Publisher.
func (p *Publisher) Close() error { return nil }

// Consumer polls the embedded queue table for one queue name.
type Consumer struct {
	db                *sql.DB
	queueName         string
	defaultVisibility time.Duration

	mu      sync.Mutex
	stopped bool
}

// Name implements queue.Consumer.
func (c *Consumer) Name() string { return "sqlite:" + c.queueName }

// Poll returns up to max visible messages, one per distinct message group,
// using a row_number partition so only the head of each group's FIFO queue
// is ever surfaced. Polled rows get a fresh receipt handle and their
// visible_at pushed out by defaultVisibility; the UPDATE re-checks
// visible_at<=now to detect a concurrent poller winning the same row.
func (c *Consumer) Poll(ctx context.Context, max int) ([]model.QueuedMessage, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, queue.ErrStopped
	}

	now := time.Now().UnixMilli()
	rows, err := c.db.QueryContext(ctx, `
		WITH ranked AS (
			SELECT id, payload, receive_count,
			       ROW_NUMBER() OVER (
			           PARTITION BY COALESCE(message_group_id, id)
			           ORDER BY created_at
			       ) AS rn
			FROM queue_messages
			WHERE queue_name = ? AND visible_at <= ?
		)
		SELECT id, payload, receive_count FROM ranked WHERE rn = 1 LIMIT ?`,
		c.queueName, now, max,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrDatabase, err)
	}
	type candidate struct {
		id            string
		payload       string
		receiveCount  int
	}
	var candidates []candidate
	for rows.Next() {
		var cd candidate
		if err := rows.Scan(&cd.id, &cd.payload, &cd.receiveCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: %v", queue.ErrDatabase, err)
		}
		candidates = append(candidates, cd)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", queue.ErrDatabase, err)
	}

	visibleUntil := time.Now().Add(c.defaultVisibility).UnixMilli()
	result := make([]model.QueuedMessage, 0, len(candidates))
	for _, cd := range candidates {
		handle := newReceiptHandle()
		res, err := c.db.ExecContext(ctx, `
			UPDATE queue_messages
			SET receipt_handle = ?, visible_at = ?, receive_count = receive_count + 1
			WHERE id = ? AND queue_name = ? AND visible_at <= ?`,
			handle, visibleUntil, cd.id, c.queueName, now,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", queue.ErrDatabase, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Another poller already claimed this row between our SELECT
			// and UPDATE; skip it rather than deliver it twice.
			continue
		}

		ptr, err := model.DecodeMessagePointer([]byte(cd.payload))
		if err != nil {
			log.Error().Err(err).Str("id", cd.id).Msg("sqlite queue: malformed payload, acking to avoid poison loop")
			_, _ = c.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE receipt_handle = ? AND queue_name = ?`, handle, c.queueName)
			continue
		}

		result = append(result, model.QueuedMessage{
			Pointer:         *ptr,
			ReceiptHandle:   handle,
			BrokerMessageID: cd.id,
			QueueIdentifier: c.queueName,
			ReceiveCount:    cd.receiveCount + 1,
		})
	}
	return result, nil
}

// Ack deletes the message permanently.
func (c *Consumer) Ack(handle string) error {
	res, err := c.db.Exec(`DELETE FROM queue_messages WHERE receipt_handle = ? AND queue_name = ?`, handle, c.queueName)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// Nack makes the message visible again after delay (nil means immediately)
// and clears the receipt handle so a later poll assigns a fresh one.
func (c *Consumer) Nack(handle string, delay *time.Duration) error {
	var at time.Time
	if delay != nil {
		at = time.Now().Add(*delay)
	} else {
		at = time.Now()
	}
	res, err := c.db.Exec(`UPDATE queue_messages SET visible_at = ?, receipt_handle = NULL WHERE receipt_handle = ? AND queue_name = ?`,
		at.UnixMilli(), handle, c.queueName)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// ExtendVisibility pushes visible_at further into the future without
// clearing the receipt handle.
func (c *Consumer) ExtendVisibility(handle string, d time.Duration) error {
	at := time.Now().Add(d).UnixMilli()
	res, err := c.db.Exec(`UPDATE queue_messages SET visible_at = ? WHERE receipt_handle = ? AND queue_name = ?`, at, handle, c.queueName)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrDatabase, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrNotFound
	}
	return nil
}

// IsHealthy pings the database.
func (c *Consumer) IsHealthy() bool {
	return c.db.Ping() == nil
}

// Stop marks the consumer stopped; subsequent Poll calls return ErrStopped.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	return nil
}

// Metrics reports pending/in-flight depths by counting rows.
func (c *Consumer) Metrics() queue.ConsumerMetrics {
	now := time.Now().UnixMilli()
	var pending, inFlight int
	_ = c.db.QueryRow(`SELECT COUNT(*) FROM queue_messages WHERE queue_name = ? AND visible_at <= ?`, c.queueName, now).Scan(&pending)
	_ = c.db.QueryRow(`SELECT COUNT(*) FROM queue_messages WHERE queue_name = ? AND visible_at > ?`, c.queueName, now).Scan(&inFlight)
	return queue.ConsumerMetrics{PendingDepth: pending, InFlightDepth: inFlight}
}

func newReceiptHandle() string {
	return fmt.Sprintf("sqlite-%d-%d", time.Now().UnixNano(), receiptSeq.add())
}

var receiptSeq counter

type counter struct {
	mu sync.Mutex
	n  uint64
}

func (c *counter) add() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}
