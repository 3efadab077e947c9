package exam_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"examgate/internal/exam"
	"examgate/internal/notify"
	"examgate/internal/queue"
	"examgate/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// roomCodes hands out the given codes in order, then falls back to a counter.
func roomCodes(seq ...string) func() (string, error) {
	var mu sync.Mutex
	n := 5000
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(seq) > 0 {
			code := seq[0]
			seq = seq[1:]
			return code, nil
		}
		n++
		return fmt.Sprint(n), nil
	}
}

type fixture struct {
	svc   *exam.Service
	repo  *store.MemorySessions
	hub   *notify.Hub
	queue *queue.InMemory
	clock *clock
}

func newFixture(t *testing.T, tweak ...func(*exam.Options)) *fixture {
	t.Helper()
	f := &fixture{
		repo:  store.NewMemorySessions(),
		hub:   notify.NewHub(),
		queue: queue.NewInMemory(256),
		clock: &clock{now: time.Date(2025, 5, 10, 8, 0, 0, 0, time.UTC)},
	}
	opts := exam.Options{
		Repo:     f.repo,
		Notifier: f.hub,
		Queue:    f.queue,
		Now:      f.clock.Now,
		RoomCode: roomCodes("4821", "7305"),
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	f.svc = exam.NewService(opts)
	return f
}

func (f *fixture) session(t *testing.T, capacity, breaks int) *exam.Session {
	t.Helper()
	sess, err := f.svc.CreateSession(context.Background(), exam.Config{
		Title:                "Mathematics",
		ScheduledDate:        "2025-05-10",
		Capacity:             capacity,
		NumberOfBreaks:       breaks,
		BreakDurationMinutes: 10,
		OwnerID:              "proctor-1",
	})
	require.NoError(t, err)
	return sess
}

func TestCreateSession_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSession(ctx, exam.Config{Capacity: 0})
	require.ErrorIs(t, err, exam.ErrInvalidArgument)
	_, err = f.svc.CreateSession(ctx, exam.Config{Capacity: 1, NumberOfBreaks: -1})
	require.ErrorIs(t, err, exam.ErrInvalidArgument)
	_, err = f.svc.CreateSession(ctx, exam.Config{Capacity: 1, ScheduledDate: "10.05.2025"})
	require.ErrorIs(t, err, exam.ErrInvalidArgument)

	sess, err := f.svc.CreateSession(ctx, exam.Config{Capacity: 2})
	require.NoError(t, err)
	require.Equal(t, "2025-05-10", sess.ScheduledDate)
	require.Equal(t, exam.StatusScheduled, sess.Status)
	require.Nil(t, sess.ActiveSession)
}

func TestRegister_CapacityScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 1, 0)

	_, err := f.svc.Register(ctx, sess.ID, "Alice")
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, sess.ID, "Bob")
	require.ErrorIs(t, err, exam.ErrCapacityExceeded)
}

func TestRegister_DuplicateName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 0)

	_, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, sess.ID, "Mari")
	require.ErrorIs(t, err, exam.ErrDuplicateRegistration)
	_, err = f.svc.Register(ctx, sess.ID, "  mari ")
	require.ErrorIs(t, err, exam.ErrDuplicateRegistration)
}

func TestRegister_UnknownSessionAndEmptyName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "nope", "Mari")
	require.ErrorIs(t, err, exam.ErrNotFound)

	sess := f.session(t, 1, 0)
	_, err = f.svc.Register(ctx, sess.ID, "   ")
	require.ErrorIs(t, err, exam.ErrInvalidArgument)
}

func TestRegister_PINIsStableAcrossSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Register(ctx, f.session(t, 2, 0).ID, "Mari")
	require.NoError(t, err)
	second, err := f.svc.Register(ctx, f.session(t, 2, 0).ID, "Mari")
	require.NoError(t, err)

	require.Equal(t, "4418-7447", first.PIN)
	require.Equal(t, first.PIN, second.PIN)
	require.NotEqual(t, first.StudentID, second.StudentID)
	require.Equal(t, exam.StateRegistered, first.State)
}

func TestRegister_ConcurrentNeverExceedsCapacity(t *testing.T) {
	const participants = 25
	f := newFixture(t, func(o *exam.Options) { o.MaxRetries = participants + 5 })
	ctx := context.Background()
	sess := f.session(t, 5, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		refused int
	)
	for i := 0; i < participants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Register(ctx, sess.ID, fmt.Sprintf("participant-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, exam.ErrCapacityExceeded):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 5, ok)
	require.Equal(t, participants-5, refused)

	got, err := f.svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Registrants, 5)
}

func TestUnregister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 2, 0)

	_, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	require.NoError(t, f.svc.Unregister(ctx, sess.ID, "MARI"))
	require.ErrorIs(t, f.svc.Unregister(ctx, sess.ID, "Mari"), exam.ErrNotFound)

	_, err = f.svc.Lookup(ctx, sess.ID, "Mari")
	require.ErrorIs(t, err, exam.ErrNotFound)

	// the seat is free again
	_, err = f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	reg, err := f.svc.Lookup(ctx, sess.ID, "mari")
	require.NoError(t, err)
	require.Equal(t, "4418-7447", reg.PIN)
}

func TestLifecycleScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 2)

	active, err := f.svc.Activate(ctx, sess.ID, "p-1", "Ms. Tamm")
	require.NoError(t, err)
	require.Equal(t, "4821", active.RoomCode)
	require.Equal(t, "Ms. Tamm", active.ActivatedBy)
	require.Equal(t, 0, active.PauseCount)
	require.False(t, active.IsPaused)

	paused, err := f.svc.Pause(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, paused.IsPaused)
	require.Equal(t, 1, paused.PauseCount)
	require.NotNil(t, paused.PausedAt)

	resumed, err := f.svc.Resume(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, resumed.IsPaused)
	require.Equal(t, 1, resumed.PauseCount)
	require.Nil(t, resumed.PausedAt)

	require.NoError(t, f.svc.Deactivate(ctx, sess.ID))
	got, err := f.svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Nil(t, got.ActiveSession)
	require.Equal(t, exam.StatusActive, got.Status)

	require.ErrorIs(t, f.svc.Deactivate(ctx, sess.ID), exam.ErrSessionNotActive)
}

func TestActivate_UnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Activate(context.Background(), "nope", "p", "P")
	require.ErrorIs(t, err, exam.ErrNotFound)
}

func TestValidateRoomCode_AcrossReactivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 1)

	ok, err := f.svc.ValidateRoomCode(ctx, sess.ID, "4821")
	require.NoError(t, err)
	require.False(t, ok, "no code before activation")

	_, err = f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	ok, _ = f.svc.ValidateRoomCode(ctx, sess.ID, "4821")
	require.True(t, ok)

	_, err = f.svc.Pause(ctx, sess.ID)
	require.NoError(t, err)
	ok, _ = f.svc.ValidateRoomCode(ctx, sess.ID, "4821")
	require.True(t, ok, "paused sessions keep their code")

	require.NoError(t, f.svc.Deactivate(ctx, sess.ID))
	ok, _ = f.svc.ValidateRoomCode(ctx, sess.ID, "4821")
	require.False(t, ok)

	active, err := f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	require.Equal(t, "7305", active.RoomCode)
	ok, _ = f.svc.ValidateRoomCode(ctx, sess.ID, "7305")
	require.True(t, ok)
	ok, _ = f.svc.ValidateRoomCode(ctx, sess.ID, "4821")
	require.False(t, ok)
}

func TestActivate_ReplacesLiveSession(t *testing.T) {
	f := newFixture(t, func(o *exam.Options) { o.RoomCode = roomCodes("1111", "1111", "2222") })
	ctx := context.Background()
	sess := f.session(t, 5, 3)

	_, err := f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.Pause(ctx, sess.ID)
	require.NoError(t, err)

	// a repeated draw of the old code is rejected
	active, err := f.svc.Activate(ctx, sess.ID, "p2", "Other")
	require.NoError(t, err)
	require.Equal(t, "2222", active.RoomCode)
	require.False(t, active.IsPaused)
	require.Equal(t, 0, active.PauseCount)
	require.Equal(t, "Other", active.ActivatedBy)
}

func TestPause_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	noBreaks := f.session(t, 5, 0)
	_, err := f.svc.Pause(ctx, noBreaks.ID)
	require.ErrorIs(t, err, exam.ErrSessionNotActive)
	_, err = f.svc.Activate(ctx, noBreaks.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.Pause(ctx, noBreaks.ID)
	require.ErrorIs(t, err, exam.ErrBreaksExhausted)
	require.ErrorIs(t, err, exam.ErrIllegalTransition)

	sess := f.session(t, 5, 2)
	_, err = f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.Resume(ctx, sess.ID)
	require.ErrorIs(t, err, exam.ErrIllegalTransition)

	for i := 1; i <= 2; i++ {
		a, err := f.svc.Pause(ctx, sess.ID)
		require.NoError(t, err)
		require.Equal(t, i, a.PauseCount)

		_, err = f.svc.Pause(ctx, sess.ID)
		require.ErrorIs(t, err, exam.ErrIllegalTransition)
		require.NotErrorIs(t, err, exam.ErrBreaksExhausted)

		_, err = f.svc.Resume(ctx, sess.ID)
		require.NoError(t, err)
	}
	_, err = f.svc.Pause(ctx, sess.ID)
	require.ErrorIs(t, err, exam.ErrBreaksExhausted)
	require.True(t, exam.IsNotice(err))
}

func TestVerificationScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 1)

	reg, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, sess.ID, "p", "Ms. Tamm")
	require.NoError(t, err)

	checked, err := f.svc.CheckIn(ctx, sess.ID, "Mari", "4821", "4418-7447")
	require.NoError(t, err)
	require.Equal(t, exam.StateAwaitingVerification, checked.State)
	require.NotNil(t, checked.AwaitingSince)

	awaiting, err := f.svc.IsAwaitingVerification(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	require.True(t, awaiting)

	pending, err := f.svc.PendingVerifications(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	verified, err := f.svc.Verify(ctx, sess.ID, reg.StudentID, "Ms. Tamm")
	require.NoError(t, err)
	require.Equal(t, exam.StateVerified, verified.State)
	require.Equal(t, "Ms. Tamm", verified.VerifiedBy)

	isVerified, err := f.svc.IsVerified(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	require.True(t, isVerified)

	done, err := f.svc.Complete(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	require.True(t, done)

	completed, err := f.svc.IsCompleted(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	require.True(t, completed)

	done, err = f.svc.Complete(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err, "repeated completion is a no-op")
	require.False(t, done)
}

func TestCheckIn_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 1)
	_, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)

	_, err = f.svc.CheckIn(ctx, sess.ID, "Mari", "4821", "4418-7447")
	require.ErrorIs(t, err, exam.ErrSessionNotActive)

	_, err = f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)

	_, err = f.svc.CheckIn(ctx, sess.ID, "Mari", "0000", "4418-7447")
	require.ErrorIs(t, err, exam.ErrInvalidCode)
	_, err = f.svc.CheckIn(ctx, sess.ID, "Mari", "4821", "1234-5678")
	require.ErrorIs(t, err, exam.ErrInvalidCode)
	_, err = f.svc.CheckIn(ctx, sess.ID, "Nobody", "4821", "4418-7447")
	require.ErrorIs(t, err, exam.ErrNotFound)

	reg, err := f.svc.Lookup(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	require.Equal(t, exam.StateRegistered, reg.State, "failed checks leave the registrant untouched")

	_, err = f.svc.Pause(ctx, sess.ID)
	require.NoError(t, err)
	reg, err = f.svc.CheckIn(ctx, sess.ID, "mari", " 4821 ", "44187447")
	require.NoError(t, err, "paused sessions still authenticate")
	require.Equal(t, exam.StateAwaitingVerification, reg.State)
}

func TestRequestVerification_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 0)
	reg, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)

	first, err := f.svc.RequestVerification(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.svc.RequestVerification(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)

	require.Equal(t, exam.StateAwaitingVerification, second.State)
	require.True(t, first.AwaitingSince.Equal(*second.AwaitingSince))

	_, err = f.svc.RequestVerification(ctx, sess.ID, "unknown")
	require.ErrorIs(t, err, exam.ErrNotFound)
}

func TestVerify_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 0)
	reg, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, sess.ID, reg.StudentID, "P")
	require.ErrorIs(t, err, exam.ErrIllegalTransition)

	done, err := f.svc.Complete(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	require.False(t, done)
	unchanged, err := f.svc.Registration(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	require.Equal(t, exam.StateRegistered, unchanged.State)
	require.Nil(t, unchanged.CompletedAt)

	_, err = f.svc.RequestVerification(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	first, err := f.svc.Verify(ctx, sess.ID, reg.StudentID, "First")
	require.NoError(t, err)
	again, err := f.svc.Verify(ctx, sess.ID, reg.StudentID, "Second")
	require.NoError(t, err)
	require.Equal(t, "First", again.VerifiedBy)
	require.True(t, first.VerifiedAt.Equal(*again.VerifiedAt))
}

func TestCompleted_IsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 1)
	reg, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, sess.ID, "Mari", "4821", "4418-7447")
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, sess.ID, reg.StudentID, "P")
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)

	_, err = f.svc.Verify(ctx, sess.ID, reg.StudentID, "P")
	require.ErrorIs(t, err, exam.ErrIllegalTransition)
	_, err = f.svc.RequestVerification(ctx, sess.ID, reg.StudentID)
	require.ErrorIs(t, err, exam.ErrIllegalTransition)

	_, err = f.svc.Pause(ctx, sess.ID)
	require.NoError(t, err)
	require.NoError(t, f.svc.Deactivate(ctx, sess.ID))
	require.NoError(t, f.svc.Finish(ctx, sess.ID))

	got, err := f.svc.Registration(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	require.Equal(t, exam.StateCompleted, got.State)
	require.NotNil(t, got.CompletedAt)
	require.NoError(t, got.Validate())
}

func TestCheckIn_VerifiedParticipantKeepsGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 0)
	reg, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, sess.ID, "Mari", "4821", "4418-7447")
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, sess.ID, reg.StudentID, "P")
	require.NoError(t, err)

	// proctor restarts the room; the new code still lets Mari straight back in
	_, err = f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, sess.ID, "Mari", "4821", "4418-7447")
	require.ErrorIs(t, err, exam.ErrInvalidCode)
	again, err := f.svc.CheckIn(ctx, sess.ID, "Mari", "7305", "4418-7447")
	require.NoError(t, err)
	require.Equal(t, exam.StateVerified, again.State)
}

func TestParticipants_DisjointSets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 10, 0)

	ids := map[string]string{}
	for _, name := range []string{"Ann", "Ben", "Cid", "Dan"} {
		reg, err := f.svc.Register(ctx, sess.ID, name)
		require.NoError(t, err)
		ids[name] = reg.StudentID
	}
	for _, name := range []string{"Ben", "Cid", "Dan"} {
		_, err := f.svc.RequestVerification(ctx, sess.ID, ids[name])
		require.NoError(t, err)
	}
	for _, name := range []string{"Cid", "Dan"} {
		_, err := f.svc.Verify(ctx, sess.ID, ids[name], "P")
		require.NoError(t, err)
	}
	_, err := f.svc.Complete(ctx, sess.ID, ids["Dan"])
	require.NoError(t, err)

	want := map[exam.State]string{
		exam.StateRegistered:           "Ann",
		exam.StateAwaitingVerification: "Ben",
		exam.StateVerified:             "Cid",
		exam.StateCompleted:            "Dan",
	}
	for state, name := range want {
		regs, err := f.svc.Participants(ctx, sess.ID, state)
		require.NoError(t, err)
		require.Len(t, regs, 1, "state %s", state)
		require.Equal(t, name, regs[0].StudentName)
	}

	verified, err := f.svc.VerifiedList(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, verified, 1)

	_, err = f.svc.Participants(ctx, sess.ID, exam.State("bogus"))
	require.ErrorIs(t, err, exam.ErrInvalidArgument)
}

func TestView_Gate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 1)
	reg, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, sess.ID, "Mari", "4821", "4418-7447")
	require.NoError(t, err)

	view, err := f.svc.View(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	require.True(t, view.AwaitingVerification)
	require.False(t, view.CanProceed)

	_, err = f.svc.Verify(ctx, sess.ID, reg.StudentID, "P")
	require.NoError(t, err)
	view, err = f.svc.View(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	require.True(t, view.CanProceed)

	_, err = f.svc.Pause(ctx, sess.ID)
	require.NoError(t, err)
	view, err = f.svc.View(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	require.True(t, view.Paused)
	require.False(t, view.CanProceed)
	require.NotNil(t, view.BreakEndsAt)
	require.True(t, f.clock.Now().Add(10*time.Minute).Equal(*view.BreakEndsAt))
}

func TestResumeExpiredBreaks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 2)
	idle := f.session(t, 5, 2)

	_, err := f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, idle.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.Pause(ctx, sess.ID)
	require.NoError(t, err)

	n, err := f.svc.ResumeExpiredBreaks(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	f.clock.Advance(10 * time.Minute)
	n, err = f.svc.ResumeExpiredBreaks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, got.ActiveSession.IsPaused)
	require.Equal(t, 1, got.ActiveSession.PauseCount)
}

func TestFinish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.session(t, 5, 0)
	_, err := f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)

	require.NoError(t, f.svc.Finish(ctx, sess.ID))
	require.NoError(t, f.svc.Finish(ctx, sess.ID))

	got, err := f.svc.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, exam.StatusCompleted, got.Status)
	require.Nil(t, got.ActiveSession)

	_, err = f.svc.Register(ctx, sess.ID, "Late")
	require.ErrorIs(t, err, exam.ErrIllegalTransition)
}

func TestWaitForVerification_PushDriven(t *testing.T) {
	// an hour-long poll proves the wake-up comes from the change event
	f := newFixture(t, func(o *exam.Options) { o.PollInterval = time.Hour })
	ctx := context.Background()
	sess := f.session(t, 5, 0)
	reg, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.CheckIn(ctx, sess.ID, "Mari", "4821", "4418-7447")
	require.NoError(t, err)

	type result struct {
		reg exam.Registration
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := f.svc.WaitForVerification(ctx, sess.ID, reg.StudentID)
		done <- result{r, err}
	}()

	require.Eventually(t, func() bool { return f.hub.Subscribers(sess.ID) == 1 }, time.Second, 5*time.Millisecond)
	_, err = f.svc.Verify(ctx, sess.ID, reg.StudentID, "P")
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, exam.StateVerified, r.reg.State)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by verify")
	}
	require.Eventually(t, func() bool { return f.hub.Subscribers(sess.ID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWaitForVerification_SessionEnds(t *testing.T) {
	f := newFixture(t, func(o *exam.Options) { o.PollInterval = time.Hour })
	ctx := context.Background()
	sess := f.session(t, 5, 0)
	reg, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.RequestVerification(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.WaitForVerification(ctx, sess.ID, reg.StudentID)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.hub.Subscribers(sess.ID) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, f.svc.Deactivate(ctx, sess.ID))

	select {
	case err := <-done:
		require.ErrorIs(t, err, exam.ErrSessionNotActive)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by deactivate")
	}
}

func TestWaitForVerification_CancelReleasesSubscription(t *testing.T) {
	f := newFixture(t, func(o *exam.Options) { o.PollInterval = time.Hour })
	sess := f.session(t, 5, 0)
	reg, err := f.svc.Register(context.Background(), sess.ID, "Mari")
	require.NoError(t, err)
	_, err = f.svc.Activate(context.Background(), sess.ID, "p", "P")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.WaitForVerification(ctx, sess.ID, reg.StudentID)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.hub.Subscribers(sess.ID) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter ignored cancellation")
	}
	require.Eventually(t, func() bool { return f.hub.Subscribers(sess.ID) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWaitForVerification_PollsWithoutNotifier(t *testing.T) {
	f := newFixture(t, func(o *exam.Options) {
		o.Notifier = nil
		o.PollInterval = 10 * time.Millisecond
	})
	ctx := context.Background()
	sess := f.session(t, 5, 0)
	reg, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, sess.ID, "p", "P")
	require.NoError(t, err)
	_, err = f.svc.RequestVerification(ctx, sess.ID, reg.StudentID)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = f.svc.Verify(context.Background(), sess.ID, reg.StudentID, "P")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, err := f.svc.WaitForVerification(waitCtx, sess.ID, reg.StudentID)
	require.NoError(t, err)
	require.Equal(t, exam.StateVerified, got.State)
}

func TestTransitionsAreJournaled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := f.session(t, 5, 1)
	_, err := f.svc.Register(ctx, sess.ID, "Mari")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, sess.ID, "p", "Ms. Tamm")
	require.NoError(t, err)
	_, err = f.svc.Pause(ctx, sess.ID)
	require.NoError(t, err)
	// rejected and no-op calls are not journaled
	_, err = f.svc.Pause(ctx, sess.ID)
	require.Error(t, err)

	journal := store.NewMemoryJournal()
	go func() { _ = exam.ConsumeTransitions(ctx, f.queue, journal, nil) }()

	var entries []exam.Transition
	require.Eventually(t, func() bool {
		entries, _ = journal.List(ctx, sess.ID, 0)
		return len(entries) == 4
	}, 2*time.Second, 10*time.Millisecond)

	ops := []string{}
	for _, e := range entries {
		ops = append(ops, e.Op)
	}
	require.Equal(t, []string{"create", "register", "activate", "pause"}, ops)
	require.Equal(t, "Ms. Tamm", entries[2].Actor)
	require.Equal(t, int64(4), entries[3].Version)
}

// conflictingRepo loses every compare-and-swap.
type conflictingRepo struct {
	exam.Repository
	saves int
}

func (r *conflictingRepo) Save(context.Context, *exam.Session, int64) error {
	r.saves++
	return exam.ErrConcurrentModification
}

func TestMutate_GivesUpAfterMaxRetries(t *testing.T) {
	base := store.NewMemorySessions()
	repo := &conflictingRepo{Repository: base}
	svc := exam.NewService(exam.Options{Repo: repo, MaxRetries: 3})
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, exam.Config{Capacity: 1})
	require.NoError(t, err)

	_, err = svc.Register(ctx, sess.ID, "Mari")
	require.ErrorIs(t, err, exam.ErrConcurrentModification)
	require.Equal(t, 3, repo.saves)
}

// downRepo fails every read.
type downRepo struct{ exam.Repository }

func (downRepo) Get(context.Context, string) (*exam.Session, error) {
	return nil, fmt.Errorf("%w: connection refused", exam.ErrStoreUnavailable)
}

func TestStoreUnavailable_Propagates(t *testing.T) {
	svc := exam.NewService(exam.Options{Repo: downRepo{store.NewMemorySessions()}})
	ctx := context.Background()

	_, err := svc.Register(ctx, "s", "Mari")
	require.ErrorIs(t, err, exam.ErrStoreUnavailable)
	_, err = svc.ValidateRoomCode(ctx, "s", "4821")
	require.ErrorIs(t, err, exam.ErrStoreUnavailable)
	require.Equal(t, "store_unavailable", exam.Code(err))
}
