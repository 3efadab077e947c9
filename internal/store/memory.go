package store

import (
	"context"
	"sync"

	"examgate/internal/exam"
)

// MemorySessions keeps encoded session records in process memory.
type MemorySessions struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemorySessions creates an empty in-memory store.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{records: make(map[string][]byte)}
}

func (m *MemorySessions) Create(_ context.Context, s *exam.Session) error {
	body, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[s.ID]; ok {
		return exists(s.ID)
	}
	m.records[s.ID] = body
	return nil
}

func (m *MemorySessions) Get(_ context.Context, id string) (*exam.Session, error) {
	m.mu.RLock()
	body, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(id)
	}
	return decode(body)
}

func (m *MemorySessions) Save(_ context.Context, s *exam.Session, expected int64) error {
	body, err := encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[s.ID]
	if !ok {
		return notFound(s.ID)
	}
	version, err := storedVersion(cur)
	if err != nil {
		return err
	}
	if version != expected {
		return conflict(s.ID, expected)
	}
	m.records[s.ID] = body
	return nil
}

func (m *MemorySessions) List(_ context.Context) ([]*exam.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*exam.Session, 0, len(m.records))
	for _, body := range m.records {
		s, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sortSessions(out)
	return out, nil
}

// MemoryJournal keeps transitions in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	seen    map[string]struct{}
	entries []exam.Transition
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{seen: make(map[string]struct{})}
}

// Append records t once; redelivered transitions are ignored.
func (j *MemoryJournal) Append(_ context.Context, t exam.Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, dup := j.seen[t.ID]; dup {
		return nil
	}
	j.seen[t.ID] = struct{}{}
	j.entries = append(j.entries, t)
	return nil
}

// List returns the most recent limit transitions of a session, oldest first.
func (j *MemoryJournal) List(_ context.Context, sessionID string, limit int) ([]exam.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := []exam.Transition{}
	for _, t := range j.entries {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
