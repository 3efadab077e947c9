package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event signals that a session record changed. Observers re-read the session
// rather than trusting the payload.
type Event struct {
	SessionID string    `json:"session_id"`
	Version   int64     `json:"version"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

// Notifier is the abstraction over different change-signal backends.
type Notifier interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, error)
}

// Hub fans events out to in-process subscribers.
//
// Each subscriber has a one-slot buffer. When the slot is taken the pending
// event is replaced by the newer one, so a slow observer can skip versions
// but never misses the latest change.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch chan Event
}

// NewHub creates an empty in-process hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// Publish delivers evt to every subscriber of evt.SessionID without blocking.
func (h *Hub) Publish(_ context.Context, evt Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[evt.SessionID] {
		offer(sub.ch, evt)
	}
	return nil
}

// Subscribe returns a channel of events for sessionID. The channel is closed
// once ctx is done.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	sub := &subscriber{ch: make(chan Event, 1)}

	h.mu.Lock()
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[sessionID], sub)
		if len(h.subs[sessionID]) == 0 {
			delete(h.subs, sessionID)
		}
		close(sub.ch)
		h.mu.Unlock()
	}()
	return sub.ch, nil
}

// Subscribers reports how many observers are attached to sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

// offer replaces any pending event with evt. Callers hold the hub lock, which
// makes them the only senders on ch.
func offer(ch chan Event, evt Event) {
	select {
	case ch <- evt:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- evt:
	default:
	}
}

// RedisNotifier publishes change events over Redis pub/sub so that several
// API processes share one signal stream.
type RedisNotifier struct {
	client *redis.Client
	prefix string
}

// NewRedisNotifier builds a notifier on channels "<prefix><session id>".
func NewRedisNotifier(client *redis.Client, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = "examgate:changes:"
	}
	return &RedisNotifier{client: client, prefix: prefix}
}

// Publish sends evt on the session's channel.
func (n *RedisNotifier) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.prefix+evt.SessionID, body).Err()
}

// Subscribe streams events for sessionID until ctx is done.
func (n *RedisNotifier) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	ps := n.client.Subscribe(ctx, n.prefix+sessionID)
	// wait for the subscription to be confirmed so no publish is lost after return
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Event, 1)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt Event
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
