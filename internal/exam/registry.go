package exam

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"examgate/internal/codes"
)

// Register enrols name on the session roster with a freshly derived PIN.
// Names are unique per session, compared case-insensitively.
func (s *Service) Register(ctx context.Context, sessionID, name string) (Registration, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Registration{}, invalidf("participant name required")
	}

	var reg Registration
	_, _, err := s.mutate(ctx, "register", sessionID, func(sess *Session, now time.Time) (*Transition, error) {
		if sess.Status == StatusCompleted {
			return nil, ErrIllegalTransition
		}
		if sess.indexByName(name) >= 0 {
			return nil, ErrDuplicateRegistration
		}
		if len(sess.Registrants) >= sess.Capacity {
			return nil, ErrCapacityExceeded
		}
		reg = Registration{
			StudentID:    uuid.NewString(),
			StudentName:  name,
			RegisteredAt: now,
			PIN:          codes.DerivePIN(name, sess.ScheduledDate),
			State:        StateRegistered,
		}
		sess.Registrants = append(sess.Registrants, reg)
		return &Transition{StudentID: reg.StudentID, Actor: name}, nil
	})
	if err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// Unregister removes name from the roster. A name that is not registered
// yields ErrNotFound.
func (s *Service) Unregister(ctx context.Context, sessionID, name string) error {
	_, _, err := s.mutate(ctx, "unregister", sessionID, func(sess *Session, _ time.Time) (*Transition, error) {
		i := sess.indexByName(name)
		if i < 0 {
			return nil, ErrNotFound
		}
		removed := sess.Registrants[i]
		sess.Registrants = append(sess.Registrants[:i], sess.Registrants[i+1:]...)
		return &Transition{StudentID: removed.StudentID, Actor: removed.StudentName}, nil
	})
	return err
}

// Lookup finds a registration by participant name.
func (s *Service) Lookup(ctx context.Context, sessionID, name string) (Registration, error) {
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return Registration{}, err
	}
	i := sess.indexByName(name)
	if i < 0 {
		return Registration{}, ErrNotFound
	}
	return sess.Registrants[i], nil
}

// Registration finds a registration by student id.
func (s *Service) Registration(ctx context.Context, sessionID, studentID string) (Registration, error) {
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return Registration{}, err
	}
	return registrationIn(sess, studentID)
}

func registrationIn(sess *Session, studentID string) (Registration, error) {
	i := sess.indexByID(studentID)
	if i < 0 {
		return Registration{}, ErrNotFound
	}
	return sess.Registrants[i], nil
}
