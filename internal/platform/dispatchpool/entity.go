package dispatchpool

import "time"

// DispatchPoolStatus is the lifecycle status of a pool configuration row.
type DispatchPoolStatus string

const (
	DispatchPoolStatusActive    DispatchPoolStatus = "ACTIVE"
	DispatchPoolStatusSuspended DispatchPoolStatus = "SUSPENDED"
	DispatchPoolStatusArchived  DispatchPoolStatus = "ARCHIVED"
)

// MediatorType identifies which mediation mechanism a pool dispatches
// through. HTTPWebhook is the only one this core ships.
type MediatorType string

const MediatorTypeHTTPWebhook MediatorType = "HTTP_WEBHOOK"

// DispatchPool is the persisted configuration for one processing pool:
// concurrency, queue capacity, and rate limit, optionally scoped to a
// client. A pool with no ClientID is an anchor-level pool shared across
// clients.
type DispatchPool struct {
	ID              string             `bson:"_id" json:"id"`
	Code            string             `bson:"code" json:"code"`
	ClientID        string             `bson:"clientId,omitempty" json:"clientId,omitempty"`
	Status          DispatchPoolStatus `bson:"status" json:"status"`
	Enabled         bool               `bson:"enabled" json:"enabled"`
	Concurrency     int                `bson:"concurrency" json:"concurrency"`
	QueueCapacity   int                `bson:"queueCapacity" json:"queueCapacity"`
	RateLimitPerMin *int               `bson:"rateLimitPerMin,omitempty" json:"rateLimitPerMin,omitempty"`
	MediatorType    MediatorType       `bson:"mediatorType" json:"mediatorType"`
	CreatedAt       time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt       time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// GetConcurrencyOrDefault returns Concurrency, falling back to def when
// unset or non-positive.
func (p *DispatchPool) GetConcurrencyOrDefault(def int) int {
	if p.Concurrency > 0 {
		return p.Concurrency
	}
	return def
}

// GetQueueCapacityOrDefault returns QueueCapacity, falling back to def when
// unset or non-positive.
func (p *DispatchPool) GetQueueCapacityOrDefault(def int) int {
	if p.QueueCapacity > 0 {
		return p.QueueCapacity
	}
	return def
}
