package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"examgate/internal/exam"
)

// appendOnce pushes ARGV[2] onto KEYS[1] only if ARGV[1] is new to KEYS[2].
var appendOnce = redis.NewScript(`
if redis.call("SADD", KEYS[2], ARGV[1]) == 1 then
	return redis.call("RPUSH", KEYS[1], ARGV[2])
end
return 0
`)

// RedisJournal keeps one list of transitions per session, shared by every
// process connected to the same Redis.
type RedisJournal struct {
	client *redis.Client
	prefix string
}

// NewRedisJournal uses the list "<prefix><session>" and the set
// "<prefix><session>:seen".
func NewRedisJournal(client *redis.Client, prefix string) *RedisJournal {
	if prefix == "" {
		prefix = "examgate:journal:"
	}
	return &RedisJournal{client: client, prefix: prefix}
}

// Append records t once; redelivered transitions are ignored.
func (j *RedisJournal) Append(ctx context.Context, t exam.Transition) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}
	list := j.prefix + t.SessionID
	if err := appendOnce.Run(ctx, j.client, []string{list, list + ":seen"}, t.ID, body).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// List returns the most recent limit transitions of a session, oldest first.
func (j *RedisJournal) List(ctx context.Context, sessionID string, limit int) ([]exam.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	vals, err := j.client.LRange(ctx, j.prefix+sessionID, int64(-limit), -1).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]exam.Transition, 0, len(vals))
	for _, v := range vals {
		var t exam.Transition
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("decode transition: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}
