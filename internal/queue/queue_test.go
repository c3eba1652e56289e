package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageEncodesPayload(t *testing.T) {
	msg, err := NewMessage(TypeDelivery, map[string]string{"student_id": "s1"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, TypeDelivery, msg.Type)
	assert.JSONEq(t, `{"student_id":"s1"}`, string(msg.Body))
}

func TestInMemoryPublishConsume(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Publish(ctx, Message{Type: TypeDelivery, Body: json.RawMessage(`{}`), Attempts: i}))
	}
	for i := 0; i < 3; i++ {
		select {
		case m := <-msgs:
			assert.Equal(t, i, m.Attempts)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-msgs
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestInMemoryPublishFullQueue(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Message{Type: TypeDelivery}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, Message{Type: TypeDelivery})
	assert.ErrorIs(t, err, ErrFull)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
