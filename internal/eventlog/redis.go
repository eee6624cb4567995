package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentoven/crowdconsult/pkg/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRetention is how long a consultation's events stay in Redis after
// the last append.
const DefaultRetention = 24 * time.Hour

// RedisLog stores each consultation's events in a Redis list.
//
// Events are pushed at the head (LPUSH) so the list is newest-first;
// ReadAll reverses it back to append order.
type RedisLog struct {
	client    redis.Cmdable
	retention time.Duration
}

// NewRedisLog wraps a Redis client. A retention of zero uses DefaultRetention.
func NewRedisLog(client redis.Cmdable, retention time.Duration) *RedisLog {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisLog{client: client, retention: retention}
}

func (l *RedisLog) Append(ctx context.Context, consultationID string, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	key := Key(consultationID)
	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.Expire(ctx, key, l.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event %s: %w", event.Type, err)
	}
	return nil
}

func (l *RedisLog) ReadAll(ctx context.Context, consultationID string) ([]models.Event, error) {
	raw, err := l.client.LRange(ctx, Key(consultationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	events := make([]models.Event, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e models.Event
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
