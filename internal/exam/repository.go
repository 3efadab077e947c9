package exam

import "context"

// Repository is the persisted store contract: a keyed, versioned record store.
//
// Get returns an independent copy. Save writes s only if the stored record is
// still at expected; otherwise it returns ErrConcurrentModification and the
// caller re-reads. s.Version is already expected+1 when Save is called.
// Driver failures are reported wrapped in ErrStoreUnavailable.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session, expected int64) error
	List(ctx context.Context) ([]*Session, error)
}

// Journal keeps the append-only history of applied transitions.
type Journal interface {
	Append(ctx context.Context, t Transition) error
	List(ctx context.Context, sessionID string, limit int) ([]Transition, error)
}
