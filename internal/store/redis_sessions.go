package store

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"examgate/internal/exam"
)

// RedisSessions stores each session under its own key and relies on
// WATCH/MULTI for the version guard.
type RedisSessions struct {
	client *redis.Client
	prefix string
	index  string
}

// NewRedisSessions uses keys "<prefix><id>" and the set "<prefix>all".
func NewRedisSessions(client *redis.Client, prefix string) *RedisSessions {
	if prefix == "" {
		prefix = "examgate:session:"
	}
	return &RedisSessions{client: client, prefix: prefix, index: prefix + "all"}
}

func (r *RedisSessions) key(id string) string { return r.prefix + id }

func (r *RedisSessions) Create(ctx context.Context, s *exam.Session) error {
	body, err := encode(s)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.key(s.ID), body, 0).Result()
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return exists(s.ID)
	}
	if err := r.client.SAdd(ctx, r.index, s.ID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RedisSessions) Get(ctx context.Context, id string) (*exam.Session, error) {
	body, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return decode(body)
}

func (r *RedisSessions) Save(ctx context.Context, s *exam.Session, expected int64) error {
	body, err := encode(s)
	if err != nil {
		return err
	}
	key := r.key(s.ID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(s.ID)
		}
		if err != nil {
			return unavailable(err)
		}
		version, err := storedVersion(cur)
		if err != nil {
			return err
		}
		if version != expected {
			return conflict(s.ID, expected)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, body, 0)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return conflict(s.ID, expected)
	case errors.Is(err, exam.ErrNotFound), errors.Is(err, exam.ErrConcurrentModification), errors.Is(err, exam.ErrStoreUnavailable):
		return err
	}
	return unavailable(err)
}

func (r *RedisSessions) List(ctx context.Context) ([]*exam.Session, error) {
	ids, err := r.client.SMembers(ctx, r.index).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return []*exam.Session{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]*exam.Session, 0, len(vals))
	for _, v := range vals {
		body, ok := v.(string)
		if !ok {
			continue
		}
		s, err := decode([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sortSessions(out)
	return out, nil
}
