package exam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"examgate/internal/codes"
	"examgate/internal/metrics"
	"examgate/internal/notify"
	"examgate/internal/queue"
)

const (
	defaultMaxRetries   = 5
	defaultPollInterval = 2 * time.Second
)

// Options wires a Service. Only Repo is required.
type Options struct {
	Repo     Repository
	Notifier notify.Notifier
	Queue    queue.Queue
	Log      *zap.Logger
	Metrics  *metrics.Collector

	// MaxRetries bounds compare-and-swap attempts per operation.
	MaxRetries int
	// PollInterval is the fallback re-read period while waiting for verification.
	PollInterval time.Duration

	Now      func() time.Time
	RoomCode func() (string, error)
}

// Service owns every session transition. Each mutation is a read of the
// whole record, a pure change and a version-guarded write, retried on conflict.
type Service struct {
	repo         Repository
	notifier     notify.Notifier
	queue        queue.Queue
	log          *zap.Logger
	metrics      *metrics.Collector
	maxRetries   int
	pollInterval time.Duration
	now          func() time.Time
	roomCode     func() (string, error)
}

// NewService creates a service backed by a repository.
func NewService(opts Options) *Service {
	s := &Service{
		repo:         opts.Repo,
		notifier:     opts.Notifier,
		queue:        opts.Queue,
		log:          opts.Log,
		metrics:      opts.Metrics,
		maxRetries:   opts.MaxRetries,
		pollInterval: opts.PollInterval,
		now:          opts.Now,
		roomCode:     opts.RoomCode,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.roomCode == nil {
		s.roomCode = codes.GenerateRoomCode
	}
	return s
}

// CreateSession validates cfg and stores a new Scheduled session.
func (s *Service) CreateSession(ctx context.Context, cfg Config) (*Session, error) {
	now := s.now()
	if cfg.Capacity <= 0 {
		return nil, invalidf("capacity must be positive")
	}
	if cfg.NumberOfBreaks < 0 || cfg.BreakDurationMinutes < 0 {
		return nil, invalidf("breaks must not be negative")
	}
	date := strings.TrimSpace(cfg.ScheduledDate)
	if date == "" {
		date = codes.FormatDate(now)
	} else if _, err := time.Parse(codes.DateLayout, date); err != nil {
		return nil, invalidf("scheduled_date %q is not YYYY-MM-DD", cfg.ScheduledDate)
	}

	sess := &Session{
		ID:                   uuid.NewString(),
		Title:                strings.TrimSpace(cfg.Title),
		ScheduledDate:        date,
		Capacity:             cfg.Capacity,
		Status:               StatusScheduled,
		NumberOfBreaks:       cfg.NumberOfBreaks,
		BreakDurationMinutes: cfg.BreakDurationMinutes,
		OwnerID:              cfg.OwnerID,
		Registrants:          []Registration{},
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.repo.Create(ctx, sess); err != nil {
		s.metrics.Transition("create", Code(err))
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.metrics.Transition("create", "ok")
	s.announce(ctx, &Transition{SessionID: sess.ID, Op: "create", Actor: cfg.OwnerID, Version: sess.Version, At: now})
	return sess, nil
}

// GetSession returns the current snapshot of a session.
func (s *Service) GetSession(ctx context.Context, id string) (*Session, error) {
	return s.repo.Get(ctx, id)
}

// ListSessions returns every stored session.
func (s *Service) ListSessions(ctx context.Context) ([]*Session, error) {
	return s.repo.List(ctx)
}

// change is applied to a private copy of the session. It returns the
// transition to record, or nil when the call is a no-op and nothing is written.
type change func(sess *Session, now time.Time) (*Transition, error)

// mutate runs one logical transition as a compare-and-swap loop. It returns
// the snapshot the caller should observe: the written one, or the current one
// for no-ops and rejections.
func (s *Service) mutate(ctx context.Context, op, sessionID string, apply change) (*Session, *Transition, error) {
	for attempt := 1; ; attempt++ {
		cur, err := s.repo.Get(ctx, sessionID)
		if err != nil {
			s.metrics.Transition(op, Code(err))
			return nil, nil, fmt.Errorf("%s %s: %w", op, sessionID, err)
		}

		now := s.now()
		next := cur.Clone()
		tr, err := apply(next, now)
		if err != nil {
			s.metrics.Transition(op, Code(err))
			return cur, nil, fmt.Errorf("%s %s: %w", op, sessionID, err)
		}
		if tr == nil {
			s.metrics.Transition(op, "noop")
			return cur, nil, nil
		}

		next.Version = cur.Version + 1
		next.UpdatedAt = now
		err = s.repo.Save(ctx, next, cur.Version)
		if err == nil {
			tr.SessionID = sessionID
			tr.Op = op
			tr.Version = next.Version
			tr.At = now
			s.metrics.Transition(op, "ok")
			s.announce(ctx, tr)
			return next, tr, nil
		}
		if !errors.Is(err, ErrConcurrentModification) {
			s.metrics.Transition(op, Code(err))
			return nil, nil, fmt.Errorf("%s %s: %w", op, sessionID, err)
		}

		s.metrics.Conflict()
		s.log.Debug("write conflict, retrying",
			zap.String("op", op),
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt))
		if attempt >= s.maxRetries {
			s.metrics.Transition(op, Code(err))
			return nil, nil, fmt.Errorf("%s %s after %d attempts: %w", op, sessionID, attempt, ErrConcurrentModification)
		}
		select {
		case <-time.After(time.Duration(attempt) * time.Millisecond):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

// announce signals observers and journals the transition. Failures are
// logged: the write already happened and observers fall back to polling.
func (s *Service) announce(ctx context.Context, tr *Transition) {
	if tr.ID == "" {
		tr.ID = uuid.NewString()
	}
	s.log.Info("session transition",
		zap.String("op", tr.Op),
		zap.String("session_id", tr.SessionID),
		zap.String("student_id", tr.StudentID),
		zap.String("actor", tr.Actor),
		zap.Int64("version", tr.Version))

	if s.notifier != nil {
		evt := notify.Event{SessionID: tr.SessionID, Version: tr.Version, Kind: tr.Op, At: tr.At}
		if err := s.notifier.Publish(ctx, evt); err != nil {
			s.log.Warn("change notification failed", zap.String("session_id", tr.SessionID), zap.Error(err))
		}
	}
	if s.queue != nil {
		body, err := json.Marshal(tr)
		if err == nil {
			err = s.queue.Publish(ctx, queue.Message{Type: queue.TypeTransition, Body: body})
		}
		if err != nil {
			s.log.Warn("journal publish failed", zap.String("session_id", tr.SessionID), zap.Error(err))
		}
	}
}
