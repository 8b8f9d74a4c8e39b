package standby

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlwaysReportsPrimary(t *testing.T) {
	c := Always()
	assert.True(t, c.IsPrimary())
	require.NoError(t, c.Start(context.Background()))
	c.Stop() // must not panic with no elector configured
}

type fakeElector struct {
	leader  bool
	started bool
	stopped bool
}

func (f *fakeElector) IsLeader() bool { return f.leader }
func (f *fakeElector) Start(ctx context.Context) error {
	f.started = true
	return nil
}
func (f *fakeElector) Stop() { f.stopped = true }

func TestCheckerDelegatesToElector(t *testing.T) {
	fake := &fakeElector{leader: true}
	c := &Checker{elector: fake}

	assert.True(t, c.IsPrimary())
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, fake.started)
	c.Stop()
	assert.True(t, fake.stopped)

	fake.leader = false
	assert.False(t, c.IsPrimary())
}
