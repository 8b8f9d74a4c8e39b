package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.flowcatalyst.tech/internal/model"
	"go.flowcatalyst.tech/internal/queue"
)

func openTestClient(t *testing.T) *Client {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	client, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishThenPollReturnsMessage(t *testing.T) {
	client := openTestClient(t)
	pub := client.Publisher("orders")
	cons := client.Consumer("orders", time.Minute)

	id, err := pub.Publish(context.Background(), model.MessagePointer{JobID: "job-1", Payload: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	batch, err := cons.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "hello", batch[0].Pointer.Payload)
	assert.NotEmpty(t, batch[0].ReceiptHandle)
}

func TestPublishIsIdempotentOnDuplicateJobID(t *testing.T) {
	client := openTestClient(t)
	pub := client.Publisher("orders")

	_, err := pub.Publish(context.Background(), model.MessagePointer{JobID: "job-1", Payload: "first"})
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), model.MessagePointer{JobID: "job-1", Payload: "second"})
	require.NoError(t, err)

	cons := client.Consumer("orders", time.Minute)
	batch, err := cons.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "first", batch[0].Pointer.Payload)
}

func TestPollHidesMessageUntilVisibilityExpires(t *testing.T) {
	client := openTestClient(t)
	pub := client.Publisher("orders")
	cons := client.Consumer("orders", 20*time.Millisecond)

	_, err := pub.Publish(context.Background(), model.MessagePointer{JobID: "job-1"})
	require.NoError(t, err)

	first, err := cons.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	again, err := cons.Poll(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	time.Sleep(30 * time.Millisecond)
	redelivered, err := cons.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, 2, redelivered[0].ReceiveCount)
}

func TestAckRemovesMessagePermanently(t *testing.T) {
	client := openTestClient(t)
	pub := client.Publisher("orders")
	cons := client.Consumer("orders", time.Minute)

	_, err := pub.Publish(context.Background(), model.MessagePointer{JobID: "job-1"})
	require.NoError(t, err)

	batch, err := cons.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, cons.Ack(batch[0].ReceiptHandle))
	assert.ErrorIs(t, cons.Ack(batch[0].ReceiptHandle), queue.ErrNotFound)
}

func TestNackMakesMessageImmediatelyVisibleAgain(t *testing.T) {
	client := openTestClient(t)
	pub := client.Publisher("orders")
	cons := client.Consumer("orders", time.Minute)

	_, err := pub.Publish(context.Background(), model.MessagePointer{JobID: "job-1"})
	require.NoError(t, err)

	batch, err := cons.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, cons.Nack(batch[0].ReceiptHandle, nil))

	again, err := cons.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
}

func TestPollOnlyDeliversOneHeadPerGroup(t *testing.T) {
	client := openTestClient(t)
	pub := client.Publisher("orders")
	cons := client.Consumer("orders", time.Minute)

	for i := 0; i < 3; i++ {
		_, err := pub.Publish(context.Background(), model.MessagePointer{
			JobID:        "job-" + string(rune('a'+i)),
			MessageGroup: "group-1",
		})
		require.NoError(t, err)
	}

	batch, err := cons.Poll(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1, "only the head of the FIFO group should be delivered")
}

func TestStopCausesPollToReturnErrStopped(t *testing.T) {
	client := openTestClient(t)
	cons := client.Consumer("orders", time.Minute)

	require.NoError(t, cons.Stop())
	_, err := cons.Poll(context.Background(), 10)
	assert.ErrorIs(t, err, queue.ErrStopped)
}
