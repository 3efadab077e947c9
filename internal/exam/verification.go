package exam

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"examgate/internal/codes"
	"examgate/internal/notify"
)

// CheckIn is the participant gate: the live room code and the participant's
// PIN must both match before they join the verification queue. Participants
// already verified pass straight through. The checks run against the same
// snapshot that is written, so a concurrent re-activation invalidates them.
func (s *Service) CheckIn(ctx context.Context, sessionID, name, roomCode, pin string) (Registration, error) {
	var reg Registration
	_, _, err := s.mutate(ctx, "request_verification", sessionID, func(sess *Session, now time.Time) (*Transition, error) {
		if sess.ActiveSession == nil {
			return nil, ErrSessionNotActive
		}
		roomOK := codes.Equal(roomCode, sess.ActiveSession.RoomCode)
		s.metrics.CodeCheck("room_code", roomOK)
		if !roomOK {
			return nil, fmt.Errorf("room code: %w", ErrInvalidCode)
		}
		i := sess.indexByName(name)
		if i < 0 {
			return nil, ErrNotFound
		}
		pinOK := codes.PINEqual(pin, sess.Registrants[i].PIN)
		s.metrics.CodeCheck("pin", pinOK)
		if !pinOK {
			return nil, fmt.Errorf("pin: %w", ErrInvalidCode)
		}
		tr, err := requestVerification(&sess.Registrants[i], now)
		reg = sess.Registrants[i]
		return tr, err
	})
	if err != nil {
		return Registration{}, err
	}
	return reg, nil
}

// RequestVerification moves a registrant into the verification queue. The
// caller has already checked room code and PIN. Repeating the call while
// waiting, or after being verified, changes nothing.
func (s *Service) RequestVerification(ctx context.Context, sessionID, studentID string) (Registration, error) {
	res, err := s.onRegistrant(ctx, "request_verification", sessionID, studentID, func(r *Registration, now time.Time) (*Transition, error) {
		return requestVerification(r, now)
	})
	if err != nil {
		return Registration{}, err
	}
	return res.Registration, nil
}

func requestVerification(r *Registration, now time.Time) (*Transition, error) {
	switch r.State {
	case StateRegistered:
		r.State = StateAwaitingVerification
		r.AwaitingSince = &now
		return &Transition{StudentID: r.StudentID, Actor: r.StudentName}, nil
	case StateAwaitingVerification, StateVerified:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: registrant is %s", ErrIllegalTransition, r.State)
}

// Verify records the proctor's in-person confirmation. Verifying an already
// verified registrant is a no-op.
func (s *Service) Verify(ctx context.Context, sessionID, studentID, proctorName string) (Registration, error) {
	res, err := s.onRegistrant(ctx, "verify", sessionID, studentID, func(r *Registration, now time.Time) (*Transition, error) {
		switch r.State {
		case StateAwaitingVerification:
			r.State = StateVerified
			r.VerifiedAt = &now
			r.VerifiedBy = proctorName
			return &Transition{StudentID: r.StudentID, Actor: proctorName}, nil
		case StateVerified:
			return nil, nil
		}
		return nil, fmt.Errorf("%w: registrant is %s", ErrIllegalTransition, r.State)
	})
	if err != nil {
		return Registration{}, err
	}
	return res.Registration, nil
}

// Complete marks the exam finished. Only a Verified registrant moves; from
// any other state it reports false and changes nothing, so callers tell an
// earlier completion from a premature one with IsCompleted.
func (s *Service) Complete(ctx context.Context, sessionID, studentID string) (bool, error) {
	reg, err := s.onRegistrant(ctx, "complete", sessionID, studentID, func(r *Registration, now time.Time) (*Transition, error) {
		if r.State != StateVerified {
			return nil, nil
		}
		r.State = StateCompleted
		r.CompletedAt = &now
		return &Transition{StudentID: r.StudentID, Actor: r.StudentName}, nil
	})
	if err != nil {
		return false, err
	}
	return reg.completedNow, nil
}

type registrantResult struct {
	Registration
	completedNow bool
}

// onRegistrant applies fn to one registrant inside a session mutation.
func (s *Service) onRegistrant(ctx context.Context, op, sessionID, studentID string,
	fn func(r *Registration, now time.Time) (*Transition, error)) (registrantResult, error) {
	var out registrantResult
	_, _, err := s.mutate(ctx, op, sessionID, func(sess *Session, now time.Time) (*Transition, error) {
		i := sess.indexByID(studentID)
		if i < 0 {
			return nil, ErrNotFound
		}
		before := sess.Registrants[i].State
		tr, err := fn(&sess.Registrants[i], now)
		out.Registration = sess.Registrants[i]
		out.completedNow = tr != nil && before != StateCompleted && out.State == StateCompleted
		return tr, err
	})
	return out, err
}

// IsVerified reports whether the proctor has confirmed the registrant. It
// stays true after completion, matching the persisted teacher_verified flag.
func (s *Service) IsVerified(ctx context.Context, sessionID, studentID string) (bool, error) {
	reg, err := s.Registration(ctx, sessionID, studentID)
	if err != nil {
		return false, err
	}
	return reg.State.AtLeast(StateVerified), nil
}

// IsAwaitingVerification reports whether the registrant is in the queue.
func (s *Service) IsAwaitingVerification(ctx context.Context, sessionID, studentID string) (bool, error) {
	reg, err := s.Registration(ctx, sessionID, studentID)
	if err != nil {
		return false, err
	}
	return reg.State == StateAwaitingVerification, nil
}

// IsCompleted reports whether the registrant finished the exam.
func (s *Service) IsCompleted(ctx context.Context, sessionID, studentID string) (bool, error) {
	reg, err := s.Registration(ctx, sessionID, studentID)
	if err != nil {
		return false, err
	}
	return reg.State == StateCompleted, nil
}

// Participants returns registrants in exactly the given state, in roster order.
func (s *Service) Participants(ctx context.Context, sessionID string, state State) ([]Registration, error) {
	if !state.Valid() {
		return nil, invalidf("unknown state %q", state)
	}
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := []Registration{}
	for _, r := range sess.Registrants {
		if r.State == state {
			out = append(out, r)
		}
	}
	return out, nil
}

// PendingVerifications lists registrants waiting for the proctor.
func (s *Service) PendingVerifications(ctx context.Context, sessionID string) ([]Registration, error) {
	return s.Participants(ctx, sessionID, StateAwaitingVerification)
}

// VerifiedList lists registrants currently cleared to take the exam.
func (s *Service) VerifiedList(ctx context.Context, sessionID string) ([]Registration, error) {
	return s.Participants(ctx, sessionID, StateVerified)
}

// View builds the participant-facing gate for one registrant.
func (s *Service) View(ctx context.Context, sessionID, studentID string) (ParticipantView, error) {
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return ParticipantView{}, err
	}
	reg, err := registrationIn(sess, studentID)
	if err != nil {
		return ParticipantView{}, err
	}
	return viewOf(sess, reg), nil
}

func viewOf(sess *Session, reg Registration) ParticipantView {
	v := ParticipantView{
		SessionID:            sess.ID,
		StudentID:            reg.StudentID,
		StudentName:          reg.StudentName,
		State:                reg.State,
		AwaitingVerification: reg.State == StateAwaitingVerification,
		Verified:             reg.State.AtLeast(StateVerified),
		Completed:            reg.State == StateCompleted,
		SessionActive:        sess.ActiveSession != nil,
		BreakEndsAt:          sess.BreakEndsAt(),
	}
	if sess.ActiveSession != nil {
		v.Paused = sess.ActiveSession.IsPaused
	}
	v.CanProceed = reg.State == StateVerified && v.SessionActive && !v.Paused
	return v
}

// WaitForVerification blocks until the registrant is verified (or has
// completed), the session is deactivated, or ctx ends. It listens for change
// events and re-reads the store on each one, and also re-reads every poll
// interval in case an event was lost.
func (s *Service) WaitForVerification(ctx context.Context, sessionID, studentID string) (Registration, error) {
	s.metrics.WatcherAdded()
	defer s.metrics.WatcherDone()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// subscribe before the first read so a verify in between is not missed
	var events <-chan notify.Event
	if s.notifier != nil {
		ch, err := s.notifier.Subscribe(ctx, sessionID)
		if err != nil {
			s.log.Warn("subscribe failed, polling only", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			events = ch
		}
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		sess, err := s.repo.Get(ctx, sessionID)
		if err != nil {
			return Registration{}, err
		}
		reg, err := registrationIn(sess, studentID)
		if err != nil {
			return Registration{}, err
		}
		if reg.State.AtLeast(StateVerified) {
			return reg, nil
		}
		if sess.ActiveSession == nil {
			return reg, ErrSessionNotActive
		}

		select {
		case <-ctx.Done():
			return reg, ctx.Err()
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-ticker.C:
		}
	}
}
