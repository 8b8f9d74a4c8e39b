// Package sqs provides the AWS SQS queue driver: the "SQS FIFO" reference
// variant that wraps the cloud client directly, using change-message-
// visibility for nack-with-delay.
package sqs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"go.flowcatalyst.tech/internal/model"
	"go.flowcatalyst.tech/internal/queue"
)

// SQSClientAPI defines the subset of the AWS SDK client used here, so tests
// can substitute a fake.
type SQSClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Visibility timeout constants matching the original Java implementation.
const (
	FastFailVisibilitySeconds = 10    // rate limits and pool-full backoff
	DefaultVisibilitySeconds  = 30    // real processing failures
	MaxVisibilitySeconds      = 43200 // SQS maximum, 12 hours
)

// Config configures an SQS client.
type Config struct {
	QueueURL            string
	Region              string
	WaitTimeSeconds     int32
	VisibilityTimeout   int32
	MaxNumberOfMessages int32
	CustomEndpoint      string // LocalStack/testing
	AccessKeyID         string
	SecretAccessKey     string
}

func (cfg *Config) applyDefaults() {
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20 // long polling, SQS max
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 120
	}
	if cfg.MaxNumberOfMessages == 0 {
		cfg.MaxNumberOfMessages = 10 // SQS max per batch
	}
}

// Client provides AWS SQS queue operations.
type Client struct {
	sqs       SQSClientAPI
	config    *Config
	consumers map[string]*Consumer
	mu        sync.RWMutex
}

// NewClient creates a new SQS client, using LocalStack-style custom
// credentials/endpoint when CustomEndpoint is set (integration testing).
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	cfg.applyDefaults()

	var awsCfg aws.Config
	var err error
	if cfg.CustomEndpoint != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("sqs: load aws config: %w", err)
	}

	var sqsClient *sqs.Client
	if cfg.CustomEndpoint != "" {
		sqsClient = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		})
	} else {
		sqsClient = sqs.NewFromConfig(awsCfg)
	}

	return &Client{
		sqs:       sqsClient,
		config:    cfg,
		consumers: make(map[string]*Consumer),
	}, nil
}

// Publisher returns a queue.Publisher for the configured queue.
func (c *Client) Publisher() queue.Publisher {
	return &Publisher{client: c.sqs, queueURL: c.config.QueueURL}
}

// CreateConsumer creates a new named consumer for the configured queue.
// SQS has no subject-filter concept, so filterSubject is accepted only for
// interface parity with the amqp driver.
func (c *Client) CreateConsumer(ctx context.Context, name, filterSubject string) (*Consumer, error) {
	consumer := &Consumer{
		client:              c.sqs,
		queueURL:            c.config.QueueURL,
		name:                name,
		waitTimeSeconds:     c.config.WaitTimeSeconds,
		visibilityTimeout:   c.config.VisibilityTimeout,
		maxNumberOfMessages: c.config.MaxNumberOfMessages,
		pendingDeletes:      make(map[string]struct{}),
		handleToSQSID:       make(map[string]string),
	}

	c.mu.Lock()
	c.consumers[name] = consumer
	c.mu.Unlock()

	log.Info().
		Str("name", name).
		Str("queueURL", c.config.QueueURL).
		Int32("maxMessages", c.config.MaxNumberOfMessages).
		Int32("waitTime", c.config.WaitTimeSeconds).
		Msg("SQS consumer created")

	return consumer, nil
}

// HealthCheck verifies that the SQS queue is accessible.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(c.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

// Close closes the client and all consumers.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, consumer := range c.consumers {
		if err := consumer.Stop(); err != nil {
			log.Error().Err(err).Str("consumer", name).Msg("error stopping SQS consumer")
		}
	}
	c.consumers = make(map[string]*Consumer)
	return nil
}

// Publisher publishes messages to SQS.
type Publisher struct {
	client   SQSClientAPI
	queueURL string
}

// Publish sends a single message, using FIFO message-group and
// deduplication-id attributes when the pointer carries a group.
func (p *Publisher) Publish(ctx context.Context, msg model.MessagePointer) (string, error) {
	body, err := msg.Encode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", queue.ErrSerialization, err)
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if msg.MessageGroup != "" {
		input.MessageGroupId = aws.String(msg.MessageGroup)
		input.MessageDeduplicationId = aws.String(msg.JobID)
	}
	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sqs: send message: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// PublishBatch sends messages in batches of up to 10, the SQS maximum.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []model.MessagePointer) error {
	if len(msgs) == 0 {
		return nil
	}
	const batchSize = 10
	for i := 0; i < len(msgs); i += batchSize {
		end := min(i+batchSize, len(msgs))
		entries := make([]types.SendMessageBatchRequestEntry, 0, end-i)
		for j := i; j < end; j++ {
			body, err := msgs[j].Encode()
			if err != nil {
				return fmt.Errorf("%w: %v", queue.ErrSerialization, err)
			}
			entry := types.SendMessageBatchRequestEntry{
				Id:          aws.String(fmt.Sprintf("%d", j)),
				MessageBody: aws.String(string(body)),
			}
			if msgs[j].MessageGroup != "" {
				entry.MessageGroupId = aws.String(msgs[j].MessageGroup)
				entry.MessageDeduplicationId = aws.String(msgs[j].JobID)
			}
			entries = append(entries, entry)
		}

		result, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return fmt.Errorf("sqs: send batch: %w", err)
		}
		if len(result.Failed) > 0 {
			return fmt.Errorf("sqs: %d of %d messages failed to send", len(result.Failed), len(entries))
		}
	}
	return nil
}

// Close is a no-op; the publisher shares the client's connection.
func (p *Publisher) Close() error { return nil }

// Consumer consumes messages from SQS.
type Consumer struct {
	client              SQSClientAPI
	queueURL            string
	name                string
	waitTimeSeconds     int32
	visibilityTimeout   int32
	maxNumberOfMessages int32

	// Messages whose delete succeeded logically but whose receipt handle
	// had already rotated (delete raced a redelivery); the sqs message id
	// is remembered so the next poll deletes it on sight instead of
	// redelivering it to the router.
	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.RWMutex

	// Receipt handles issued to the router are synthetic stable strings;
	// this maps them back to SQS's real (and rotating) receipt handle.
	handleToSQSID map[string]string
	handlesMu     sync.RWMutex

	running bool
	stopped bool
	mu      sync.Mutex
}

// Name implements queue.Consumer.
func (c *Consumer) Name() string { return "sqs:" + c.name }

// Poll receives up to max messages in one long-poll call.
func (c *Consumer) Poll(ctx context.Context, max int) ([]model.QueuedMessage, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, queue.ErrStopped
	}
	if !c.running {
		c.running = true
	}
	c.mu.Unlock()

	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: min32(int32(max), c.maxNumberOfMessages),
		WaitTimeSeconds:     c.waitTimeSeconds,
		VisibilityTimeout:   c.visibilityTimeout,
		AttributeNames:      []types.QueueAttributeName{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs: receive: %w", err)
	}

	var result []model.QueuedMessage
	for _, msg := range out.Messages {
		sqsMessageID := aws.ToString(msg.MessageId)

		c.pendingDeletesMu.RLock()
		_, isPendingDelete := c.pendingDeletes[sqsMessageID]
		c.pendingDeletesMu.RUnlock()
		if isPendingDelete {
			_, _ = c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			})
			c.pendingDeletesMu.Lock()
			delete(c.pendingDeletes, sqsMessageID)
			c.pendingDeletesMu.Unlock()
			continue
		}

		ptr, err := model.DecodeMessagePointer([]byte(aws.ToString(msg.Body)))
		if err != nil {
			log.Error().Err(err).Str("sqsMessageId", sqsMessageID).Msg("sqs: malformed payload, acking to avoid poison loop")
			_, _ = c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			})
			continue
		}

		handle := "sqs-" + sqsMessageID
		c.handlesMu.Lock()
		c.handleToSQSID[handle] = aws.ToString(msg.ReceiptHandle)
		c.handlesMu.Unlock()

		group := ""
		if g, ok := msg.Attributes["MessageGroupId"]; ok {
			group = g
		}
		ptr.MessageGroup = group

		result = append(result, model.QueuedMessage{
			Pointer:         *ptr,
			ReceiptHandle:   handle,
			BrokerMessageID: sqsMessageID,
			QueueIdentifier: c.name,
		})
	}
	return result, nil
}

func (c *Consumer) realHandle(handle string) (string, bool) {
	c.handlesMu.RLock()
	defer c.handlesMu.RUnlock()
	h, ok := c.handleToSQSID[handle]
	return h, ok
}

// Ack deletes the message. A receipt-handle-expired error is treated as
// success after marking the SQS message id for deletion on next poll
// (mirrors SQS's behaviour when a long mediation outlives the handle).
func (c *Consumer) Ack(handle string) error {
	real, ok := c.realHandle(handle)
	if !ok {
		return queue.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(real),
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			sqsID := handle[len("sqs-"):]
			c.pendingDeletesMu.Lock()
			c.pendingDeletes[sqsID] = struct{}{}
			c.pendingDeletesMu.Unlock()
			return nil
		}
		return fmt.Errorf("sqs: delete: %w", err)
	}
	c.handlesMu.Lock()
	delete(c.handleToSQSID, handle)
	c.handlesMu.Unlock()
	return nil
}

// Nack changes visibility so the message reappears after delay (or
// immediately if nil); SQS has no native nack, so this is the closest
// equivalent (visibility timeout expiry drives redelivery either way).
func (c *Consumer) Nack(handle string, delay *time.Duration) error {
	seconds := int32(0)
	if delay != nil {
		seconds = int32(delay.Seconds())
	}
	return c.changeVisibility(handle, clampVisibility(seconds))
}

// ExtendVisibility extends the message's visibility timeout.
func (c *Consumer) ExtendVisibility(handle string, d time.Duration) error {
	return c.changeVisibility(handle, clampVisibility(int32(d.Seconds())))
}

func (c *Consumer) changeVisibility(handle string, seconds int32) error {
	real, ok := c.realHandle(handle)
	if !ok {
		return queue.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(real),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		if isReceiptHandleExpiredError(err) {
			return nil // not fatal; the handle already rotated or expired
		}
		return fmt.Errorf("sqs: change visibility: %w", err)
	}
	return nil
}

// IsHealthy reports true; SQS connectivity is checked explicitly via
// HealthCheck on the Client, not per-poll here.
func (c *Consumer) IsHealthy() bool { return true }

// Stop marks the consumer stopped; later Poll calls return ErrStopped.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	c.running = false
	c.stopped = true
	c.mu.Unlock()
	return nil
}

// Metrics is unsupported per-consumer for SQS; queue depth is read from
// GetQueueAttributes on the Client instead.
func (c *Consumer) Metrics() queue.ConsumerMetrics { return queue.ConsumerMetrics{} }

func clampVisibility(seconds int32) int32 {
	if seconds < 0 {
		return 0
	}
	if seconds > MaxVisibilitySeconds {
		return MaxVisibilitySeconds
	}
	return seconds
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func isReceiptHandleExpiredError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return containsAny(s, "receipt handle has expired", "ReceiptHandleIsInvalid", "The receipt handle has expired")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
