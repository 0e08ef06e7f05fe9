// Package notify handles events addressed to users who are not connected.
// Nothing here sends push or email; the queue is drained by a separate worker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/skillswap/swapcore/internal/events"
	"github.com/skillswap/swapcore/internal/logger"
)

// DeferredKey is the Redis list holding undelivered notices
const DeferredKey = "skillswap:deferred"

var log = logger.New("notify")

// Notice is one undelivered event
type Notice struct {
	UserID  uuid.UUID       `json:"user_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// LogHook only records that a user missed an event
func LogHook() events.Unreachable {
	return events.UnreachableFunc(func(_ context.Context, userID uuid.UUID, evt events.Event) {
		log.Info("User %s is offline, %s not delivered", userID, evt.Type)
	})
}

// Queue pushes notices for offline users onto a Redis list
type Queue struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client, key: DeferredKey, now: time.Now}
}

// UserUnreachable implements events.Unreachable. Failures are logged; the
// event itself is already persisted by the operation that produced it.
func (q *Queue) UserUnreachable(ctx context.Context, userID uuid.UUID, evt events.Event) {
	if err := q.Push(ctx, userID, evt); err != nil {
		log.Error("Failed to queue %s for user %s: %v", evt.Type, userID, err)
	}
}

func (q *Queue) Push(ctx context.Context, userID uuid.UUID, evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	data, err := json.Marshal(Notice{UserID: userID, Type: evt.Type, Payload: payload, At: q.now()})
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	return q.client.LPush(ctx, q.key, data).Err()
}

// Pop takes the oldest notice, waiting up to timeout. It returns nil when the
// queue stayed empty.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Notice, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// res is [key, value]
	var n Notice
	if err := json.Unmarshal([]byte(res[1]), &n); err != nil {
		return nil, fmt.Errorf("decode notice: %w", err)
	}
	return &n, nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
