// Package standby adapts the common leader-election primitives to the
// single method the router's primary-only background work (config sync)
// actually needs: "am I allowed to run right now".
package standby

import (
	"context"

	"go.flowcatalyst.tech/internal/common/leader"
)

// elector is satisfied by both leader.RedisLeaderElector and
// leader.LeaderElector.
type elector interface {
	IsLeader() bool
	Start(ctx context.Context) error
	Stop()
}

// Checker reports whether this instance currently holds the singleton
// lock, for config-sync and other primary-only background work.
type Checker struct {
	elector elector
}

// Always reports this instance as primary unconditionally: the correct
// choice for a single-instance deployment where no elector is configured.
func Always() *Checker { return &Checker{} }

// NewRedis wraps a leader.RedisLeaderElector.
func NewRedis(e *leader.RedisLeaderElector) *Checker { return &Checker{elector: e} }

// NewMongo wraps a leader.LeaderElector.
func NewMongo(e *leader.LeaderElector) *Checker { return &Checker{elector: e} }

// IsPrimary implements manager.StandbyChecker.
func (c *Checker) IsPrimary() bool {
	if c.elector == nil {
		return true
	}
	return c.elector.IsLeader()
}

// Start begins the underlying election, if one is configured.
func (c *Checker) Start(ctx context.Context) error {
	if c.elector == nil {
		return nil
	}
	return c.elector.Start(ctx)
}

// Stop halts the underlying election, if one is configured.
func (c *Checker) Stop() {
	if c.elector != nil {
		c.elector.Stop()
	}
}
