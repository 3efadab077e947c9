package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"examgate/internal/exam"
)

func encode(s *exam.Session) ([]byte, error) {
	return json.Marshal(s)
}

func decode(body []byte) (*exam.Session, error) {
	var s exam.Session
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Registrants == nil {
		s.Registrants = []exam.Registration{}
	}
	return &s, nil
}

// storedVersion reads only the version guard out of an encoded record.
func storedVersion(body []byte) (int64, error) {
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return 0, fmt.Errorf("decode session version: %w", err)
	}
	return v.Version, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", exam.ErrStoreUnavailable, err)
}

func notFound(id string) error {
	return fmt.Errorf("session %s: %w", id, exam.ErrNotFound)
}

func conflict(id string, expected int64) error {
	return fmt.Errorf("session %s at version %d: %w", id, expected, exam.ErrConcurrentModification)
}

func exists(id string) error {
	return fmt.Errorf("%w: session %s already exists", exam.ErrInvalidArgument, id)
}

func sortSessions(all []*exam.Session) {
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
}
