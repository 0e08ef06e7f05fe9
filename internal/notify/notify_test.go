package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/storage"
)

func TestLogHook(t *testing.T) {
	hook := LogHook()
	assert.NotPanics(t, func() {
		hook.UserUnreachable(context.Background(), uuid.New(), events.User(uuid.New(), events.TypeNewSwapRequest, nil))
	})
}

func TestQueue(t *testing.T) {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := storage.NewRedisClient(ctx, addr)
	require.NoError(t, err)
	defer client.Close()

	q := NewQueue(client)
	q.key = "skillswap:test:" + uuid.NewString()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return at }
	defer client.Del(ctx, q.key)

	user := uuid.New()
	q.UserUnreachable(ctx, user, events.User(user, events.TypeNewSwapRequest, map[string]string{"from": "Alice"}))
	q.UserUnreachable(ctx, user, events.User(user, events.TypeSwapUpdate, nil))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	first, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, user, first.UserID)
	assert.Equal(t, events.TypeNewSwapRequest, first.Type, "oldest first")
	assert.True(t, at.Equal(first.At))

	var payload map[string]string
	require.NoError(t, json.Unmarshal(first.Payload, &payload))
	assert.Equal(t, "Alice", payload["from"])

	second, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, events.TypeSwapUpdate, second.Type)

	empty, err := q.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
