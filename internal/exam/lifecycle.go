package exam

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"examgate/internal/codes"
)

// maxCodeDraws bounds redraws when a fresh code collides with the old one.
const maxCodeDraws = 8

// Activate starts the session with a new room code. An existing active
// session is torn down first; its code stops validating immediately.
func (s *Service) Activate(ctx context.Context, sessionID, proctorID, proctorName string) (ActiveSession, error) {
	sess, _, err := s.mutate(ctx, "activate", sessionID, func(sess *Session, now time.Time) (*Transition, error) {
		previous := ""
		if sess.ActiveSession != nil {
			previous = sess.ActiveSession.RoomCode
			s.log.Info("replacing active session",
				zap.String("session_id", sess.ID),
				zap.Time("activated_at", sess.ActiveSession.ActivatedAt))
		}
		code, err := s.freshRoomCode(previous)
		if err != nil {
			return nil, err
		}
		sess.ActiveSession = &ActiveSession{
			RoomCode:      code,
			ActivatedAt:   now,
			ActivatedBy:   proctorName,
			ActivatedByID: proctorID,
		}
		sess.Status = StatusActive
		return &Transition{Actor: proctorName}, nil
	})
	if err != nil {
		return ActiveSession{}, err
	}
	return *sess.ActiveSession, nil
}

func (s *Service) freshRoomCode(previous string) (string, error) {
	for i := 0; i < maxCodeDraws; i++ {
		code, err := s.roomCode()
		if err != nil {
			return "", err
		}
		if code != previous {
			return code, nil
		}
	}
	return "", fmt.Errorf("room code: no fresh code after %d draws", maxCodeDraws)
}

// Deactivate clears the active session from Active or Paused. Participants
// still awaiting verification do not block it.
func (s *Service) Deactivate(ctx context.Context, sessionID string) error {
	_, _, err := s.mutate(ctx, "deactivate", sessionID, func(sess *Session, _ time.Time) (*Transition, error) {
		if sess.ActiveSession == nil {
			return nil, ErrSessionNotActive
		}
		sess.ActiveSession = nil
		return &Transition{}, nil
	})
	return err
}

// Pause starts a break. Room code and PINs stay valid; only the participant
// gate closes. The break is counted now, not on resume.
func (s *Service) Pause(ctx context.Context, sessionID string) (ActiveSession, error) {
	sess, _, err := s.mutate(ctx, "pause", sessionID, func(sess *Session, now time.Time) (*Transition, error) {
		a := sess.ActiveSession
		switch {
		case a == nil:
			return nil, ErrSessionNotActive
		case a.IsPaused:
			return nil, fmt.Errorf("%w: already paused", ErrIllegalTransition)
		case sess.NumberOfBreaks <= 0 || a.PauseCount >= sess.NumberOfBreaks:
			return nil, ErrBreaksExhausted
		}
		a.IsPaused = true
		a.PausedAt = &now
		a.PauseCount++
		return &Transition{}, nil
	})
	if err != nil {
		return ActiveSession{}, err
	}
	return *sess.ActiveSession, nil
}

// Resume ends the current break. PauseCount is left as is.
func (s *Service) Resume(ctx context.Context, sessionID string) (ActiveSession, error) {
	sess, _, err := s.mutate(ctx, "resume", sessionID, func(sess *Session, _ time.Time) (*Transition, error) {
		return resume(sess)
	})
	if err != nil {
		return ActiveSession{}, err
	}
	return *sess.ActiveSession, nil
}

func resume(sess *Session) (*Transition, error) {
	a := sess.ActiveSession
	if a == nil {
		return nil, ErrSessionNotActive
	}
	if !a.IsPaused {
		return nil, fmt.Errorf("%w: not paused", ErrIllegalTransition)
	}
	a.IsPaused = false
	a.PausedAt = nil
	return &Transition{}, nil
}

// Finish closes the session for good: the room code is dropped and the
// coarse status becomes Completed. Finishing twice is a no-op.
func (s *Service) Finish(ctx context.Context, sessionID string) error {
	_, _, err := s.mutate(ctx, "finish", sessionID, func(sess *Session, _ time.Time) (*Transition, error) {
		if sess.Status == StatusCompleted && sess.ActiveSession == nil {
			return nil, nil
		}
		sess.ActiveSession = nil
		sess.Status = StatusCompleted
		return &Transition{}, nil
	})
	return err
}

// ValidateRoomCode reports whether code matches the live room code. Paused
// sessions still accept their code.
func (s *Service) ValidateRoomCode(ctx context.Context, sessionID, code string) (bool, error) {
	sess, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	ok := sess.ActiveSession != nil && codes.Equal(code, sess.ActiveSession.RoomCode)
	s.metrics.CodeCheck("room_code", ok)
	return ok, nil
}

// ResumeExpiredBreaks resumes every session whose break has outlasted its
// configured duration and returns how many were resumed.
func (s *Service) ResumeExpiredBreaks(ctx context.Context) (int, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, sess := range all {
		end := sess.BreakEndsAt()
		if end == nil || s.now().Before(*end) {
			continue
		}
		_, tr, err := s.mutate(ctx, "resume", sess.ID, func(cur *Session, now time.Time) (*Transition, error) {
			// the break may have ended or restarted since List
			end := cur.BreakEndsAt()
			if end == nil || now.Before(*end) {
				return nil, nil
			}
			tr, err := resume(cur)
			if tr != nil {
				tr.Actor = "system"
			}
			return tr, err
		})
		if err != nil {
			s.log.Warn("automatic resume failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		if tr != nil {
			resumed++
		}
	}
	return resumed, nil
}
