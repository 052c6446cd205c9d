package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-settlement/internal/queue"
)

func TestMemorySendReceiveDelete(t *testing.T) {
	ctx := t.Context()
	q := queue.NewMemory()

	require.NoError(t, q.Send(ctx, []byte(`{"orderId":1}`), "corr-a"))
	require.NoError(t, q.Send(ctx, []byte(`{"orderId":2}`), "corr-b"))

	msgs, err := q.Receive(ctx, 5, time.Second, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, `{"orderId":1}`, string(msgs[0].Body))
	assert.Equal(t, "corr-a", msgs[0].CorrelationID)
	assert.Equal(t, 1, msgs[0].ReceiveCount)
	assert.NotEmpty(t, msgs[0].ReceiptHandle)

	for _, m := range msgs {
		require.NoError(t, q.Delete(ctx, m.ReceiptHandle))
	}
	assert.Equal(t, 0, q.Len())

	msgs, err = q.Receive(ctx, 5, 30*time.Millisecond, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryVisibilityRedelivery(t *testing.T) {
	ctx := t.Context()
	q := queue.NewMemory()

	require.NoError(t, q.Send(ctx, []byte("body"), ""))

	first, err := q.Receive(ctx, 1, time.Second, 40*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Invisible while the visibility window is open.
	hidden, err := q.Receive(ctx, 1, 10*time.Millisecond, 40*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	// Unacked: comes back with a bumped receive count.
	again, err := q.Receive(ctx, 1, time.Second, 40*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.GreaterOrEqual(t, again[0].ReceiveCount, 2)
}

func TestMemoryReceiveHonorsMax(t *testing.T) {
	ctx := t.Context()
	q := queue.NewMemory()

	for range 3 {
		require.NoError(t, q.Send(ctx, []byte("x"), ""))
	}

	msgs, err := q.Receive(ctx, 2, time.Second, time.Minute)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestMemoryDeleteUnknownHandle(t *testing.T) {
	q := queue.NewMemory()
	require.NoError(t, q.Delete(t.Context(), "no-such-handle"))
}
