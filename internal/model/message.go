// Package model holds the wire-level types shared by every queue driver and
// the router core, so a message built by the outbox dispatcher, published to
// SQS, NATS, or the embedded SQLite queue, and consumed by the manager all
// carry the exact same shape.
package model

import "encoding/json"

// MediationType identifies which mediator a message is routed through.
type MediationType string

// HTTP is the only mediation type the core ships today.
const MediationTypeHTTP MediationType = "HTTP"

// MessagePointer is the envelope carried on the wire by every queue driver.
// It is a pointer in the sense that the payload itself lives in the outbox
// store; the target retrieves it by JobID rather than receiving it inline.
type MessagePointer struct {
	JobID          string            `json:"jobId"`
	DispatchPoolID string            `json:"dispatchPoolId"`
	MessageGroup   string            `json:"messageGroup,omitempty"`
	BatchID        string            `json:"batchId,omitempty"`
	Sequence       int               `json:"sequence,omitempty"`
	TargetURL      string            `json:"targetUrl"`
	Headers        map[string]string `json:"headers,omitempty"`
	Payload        string            `json:"payload,omitempty"`
	ContentType    string            `json:"contentType,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	MaxRetries     int               `json:"maxRetries,omitempty"`
	AttemptNumber  int               `json:"attemptNumber,omitempty"`
	AuthToken      string            `json:"authToken,omitempty"`
	MediationType  MediationType     `json:"mediationType,omitempty"`
}

// EffectiveGroup returns the message group, falling back to the synthetic
// default group used when a message carries no group id.
func (m *MessagePointer) EffectiveGroup() string {
	if m.MessageGroup == "" {
		return DefaultGroup
	}
	return m.MessageGroup
}

// DefaultGroup is the synthetic group id used for ungrouped messages.
const DefaultGroup = "__DEFAULT__"

// Encode marshals the pointer to its wire JSON form.
func (m *MessagePointer) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessagePointer unmarshals a wire-format message pointer.
func DecodeMessagePointer(data []byte) (*MessagePointer, error) {
	var m MessagePointer
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// QueuedMessage pairs a MessagePointer with the broker metadata needed to
// acknowledge, reject, or extend it. The receipt handle is the only token
// the originating broker honours; it may be rewritten in place across
// visibility extensions without changing the message's identity.
type QueuedMessage struct {
	Pointer         MessagePointer
	ReceiptHandle   string
	BrokerMessageID string
	QueueIdentifier string
	ReceiveCount    int
}

// MediationKind is the discriminant of a MediationOutcome.
type MediationKind int

const (
	// MediationSuccess means the target accepted the message; ack and drop.
	MediationSuccess MediationKind = iota
	// MediationErrorProcess is a retryable failure with an optional explicit
	// requeue delay carried by the target's response.
	MediationErrorProcess
	// MediationErrorConfig is a non-retryable client-side failure; ack and
	// drop, since retrying would never succeed.
	MediationErrorConfig
	// MediationErrorConnection is a retryable transport-class failure
	// (refused, DNS, TLS, timeout, or an open circuit breaker).
	MediationErrorConnection
)

func (k MediationKind) String() string {
	switch k {
	case MediationSuccess:
		return "Success"
	case MediationErrorProcess:
		return "ErrorProcess"
	case MediationErrorConfig:
		return "ErrorConfig"
	case MediationErrorConnection:
		return "ErrorConnection"
	default:
		return "Unknown"
	}
}

// MediationOutcome is the mediator's classification of one delivery attempt.
// It drives the pool's ack/nack/drop decision and never carries the response
// body itself — only what the pool needs to act.
type MediationOutcome struct {
	Kind         MediationKind
	DelaySeconds *int
	StatusCode   *int
	Err          error
}

// Success builds a MediationSuccess outcome.
func Success() *MediationOutcome {
	return &MediationOutcome{Kind: MediationSuccess}
}

// ErrorProcess builds a retryable process-error outcome, optionally carrying
// an explicit requeue delay parsed from the target's response.
func ErrorProcess(delaySeconds *int, statusCode *int, err error) *MediationOutcome {
	return &MediationOutcome{Kind: MediationErrorProcess, DelaySeconds: delaySeconds, StatusCode: statusCode, Err: err}
}

// ErrorConfig builds a non-retryable configuration-error outcome.
func ErrorConfig(statusCode *int, err error) *MediationOutcome {
	return &MediationOutcome{Kind: MediationErrorConfig, StatusCode: statusCode, Err: err}
}

// ErrorConnection builds a retryable transport-error outcome.
func ErrorConnection(err error) *MediationOutcome {
	return &MediationOutcome{Kind: MediationErrorConnection, Err: err}
}

// Retryable reports whether the pool should nack-and-retry rather than
// ack-and-drop.
func (o *MediationOutcome) Retryable() bool {
	return o.Kind == MediationErrorProcess || o.Kind == MediationErrorConnection
}
