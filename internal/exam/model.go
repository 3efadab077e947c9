package exam

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the coarse lifecycle flag of a session.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// State is a registrant's position in the verification flow. It only moves
// forward: Registered -> AwaitingVerification -> Verified -> Completed.
type State string

const (
	StateRegistered           State = "registered"
	StateAwaitingVerification State = "awaiting_verification"
	StateVerified             State = "verified"
	StateCompleted            State = "completed"
)

func (s State) rank() int {
	switch s {
	case StateRegistered:
		return 1
	case StateAwaitingVerification:
		return 2
	case StateVerified:
		return 3
	case StateCompleted:
		return 4
	}
	return 0
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool { return s.rank() > 0 }

// AtLeast reports whether s is other or a later state.
func (s State) AtLeast(other State) bool { return s.rank() >= other.rank() }

// Config describes a session at creation time.
type Config struct {
	Title                string `json:"title"`
	ScheduledDate        string `json:"scheduled_date"`
	Capacity             int    `json:"capacity"`
	NumberOfBreaks       int    `json:"number_of_breaks"`
	BreakDurationMinutes int    `json:"break_duration_minutes"`
	OwnerID              string `json:"owner_id"`
}

// ActiveSession exists only while a room code is live.
type ActiveSession struct {
	RoomCode      string     `json:"room_code"`
	ActivatedAt   time.Time  `json:"activated_at"`
	ActivatedBy   string     `json:"activated_by"`
	ActivatedByID string     `json:"activated_by_id,omitempty"`
	IsPaused      bool       `json:"is_paused"`
	PauseCount    int        `json:"pause_count"`
	PausedAt      *time.Time `json:"paused_at,omitempty"`
}

// Registration is one participant on a session's roster.
type Registration struct {
	StudentID     string     `json:"student_id"`
	StudentName   string     `json:"student_name"`
	RegisteredAt  time.Time  `json:"registered_at"`
	PIN           string     `json:"pin"`
	State         State      `json:"state"`
	AwaitingSince *time.Time `json:"awaiting_since,omitempty"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
	VerifiedBy    string     `json:"verified_by,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

type registrationFields Registration

// MarshalJSON adds the derived awaiting_verification and teacher_verified
// flags. They are ignored when decoding; State is authoritative.
func (r Registration) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		registrationFields
		AwaitingVerification bool `json:"awaiting_verification"`
		TeacherVerified      bool `json:"teacher_verified"`
	}{
		registrationFields:   registrationFields(r),
		AwaitingVerification: r.State == StateAwaitingVerification,
		TeacherVerified:      r.State.AtLeast(StateVerified),
	})
}

// UnmarshalJSON decodes a registration, dropping the derived flags.
func (r *Registration) UnmarshalJSON(data []byte) error {
	var f registrationFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = Registration(f)
	return nil
}

// Validate rejects field combinations the state does not allow.
func (r Registration) Validate() error {
	if !r.State.Valid() {
		return invalidf("registration %s: unknown state %q", r.StudentID, r.State)
	}
	stamps := []struct {
		set   bool
		state State
		field string
	}{
		{r.AwaitingSince != nil, StateAwaitingVerification, "awaiting_since"},
		{r.VerifiedAt != nil, StateVerified, "verified_at"},
		{r.CompletedAt != nil, StateCompleted, "completed_at"},
	}
	if r.VerifiedBy != "" && !r.State.AtLeast(StateVerified) {
		return invalidf("registration %s: verified_by set in state %s", r.StudentID, r.State)
	}
	for _, st := range stamps {
		if st.set && !r.State.AtLeast(st.state) {
			return invalidf("registration %s: %s set in state %s", r.StudentID, st.field, r.State)
		}
		if !st.set && r.State == st.state {
			return invalidf("registration %s: state %s without %s", r.StudentID, r.State, st.field)
		}
	}
	return nil
}

// Session is the persisted record; one per scheduled proctored event.
type Session struct {
	ID                   string         `json:"id"`
	Title                string         `json:"title,omitempty"`
	ScheduledDate        string         `json:"scheduled_date"`
	Capacity             int            `json:"capacity"`
	Status               Status         `json:"status"`
	NumberOfBreaks       int            `json:"number_of_breaks"`
	BreakDurationMinutes int            `json:"break_duration_minutes"`
	OwnerID              string         `json:"owner_id,omitempty"`
	ActiveSession        *ActiveSession `json:"active_session"`
	Registrants          []Registration `json:"registrants"`
	Version              int64          `json:"version"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Clone returns a deep copy that can be mutated without touching s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.ActiveSession != nil {
		a := *s.ActiveSession
		a.PausedAt = cloneTime(a.PausedAt)
		out.ActiveSession = &a
	}
	out.Registrants = make([]Registration, len(s.Registrants))
	for i, r := range s.Registrants {
		r.AwaitingSince = cloneTime(r.AwaitingSince)
		r.VerifiedAt = cloneTime(r.VerifiedAt)
		r.CompletedAt = cloneTime(r.CompletedAt)
		out.Registrants[i] = r
	}
	return &out
}

// BreakDuration is the configured length of one break.
func (s *Session) BreakDuration() time.Duration {
	return time.Duration(s.BreakDurationMinutes) * time.Minute
}

// BreakEndsAt returns when the current break is due to end, or nil when the
// session is not paused or breaks have no fixed length.
func (s *Session) BreakEndsAt() *time.Time {
	a := s.ActiveSession
	if a == nil || !a.IsPaused || a.PausedAt == nil || s.BreakDurationMinutes <= 0 {
		return nil
	}
	end := a.PausedAt.Add(s.BreakDuration())
	return &end
}

func (s *Session) indexByID(studentID string) int {
	for i, r := range s.Registrants {
		if r.StudentID == studentID {
			return i
		}
	}
	return -1
}

func (s *Session) indexByName(name string) int {
	name = strings.TrimSpace(name)
	for i, r := range s.Registrants {
		if strings.EqualFold(r.StudentName, name) {
			return i
		}
	}
	return -1
}

// Transition is the journal record emitted for every applied change.
type Transition struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Op        string    `json:"op"`
	StudentID string    `json:"student_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Version   int64     `json:"version"`
	At        time.Time `json:"at"`
}

// ParticipantView is what a participant client polls to decide whether it
// may open the exam surface.
type ParticipantView struct {
	SessionID            string     `json:"session_id"`
	StudentID            string     `json:"student_id"`
	StudentName          string     `json:"student_name"`
	State                State      `json:"state"`
	AwaitingVerification bool       `json:"awaiting_verification"`
	Verified             bool       `json:"verified"`
	Completed            bool       `json:"completed"`
	SessionActive        bool       `json:"session_active"`
	Paused               bool       `json:"paused"`
	BreakEndsAt          *time.Time `json:"break_ends_at,omitempty"`
	CanProceed           bool       `json:"can_proceed"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
