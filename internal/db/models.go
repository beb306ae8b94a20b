package db

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an intervention. Transitions are
// forward-only: an intervention never returns to an earlier state.
type State int

const (
	StateScheduled    State = 0
	StateIntervened   State = 1
	StateSuccessful   State = 2
	StateUnsuccessful State = 3

	// StateStored exists in the label set for storage compatibility but no
	// modeled transition reaches it. Kept so persisted values round-trip.
	StateStored State = 4
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateIntervened:
		return "intervened"
	case StateSuccessful:
		return "successful"
	case StateUnsuccessful:
		return "unsuccessful"
	case StateStored:
		return "stored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == StateSuccessful || s == StateUnsuccessful
}

// CanTransition reports whether moving from s to next is a valid forward
// transition. Successful and Unsuccessful are terminal; Stored is
// unreachable.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateScheduled:
		return next == StateIntervened
	case StateIntervened:
		return next == StateSuccessful || next == StateUnsuccessful
	default:
		return false
	}
}

// Intervention is one prediction-driven outreach attempt.
type Intervention struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	CourseID       int64      `json:"course_id"`
	Target         string     `json:"target"`
	DesiredEvent   string     `json:"desired_event"`
	State          State      `json:"state"`
	MessageReceipt *string    `json:"message_receipt,omitempty"`
	ModifiedBy     *uuid.UUID `json:"modified_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// UserConsent is the account-wide consent record, the fallback when no
// course-scoped record exists.
type UserConsent struct {
	UserID                  uuid.UUID  `json:"user_id"`
	Authorized              bool       `json:"authorized"`
	AllowTeacherInvolvement bool       `json:"allow_teacher_involvement"`
	ModifiedBy              *uuid.UUID `json:"modified_by,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// CourseUserConsent is the course-scoped consent record. It takes precedence
// over the user-scoped record for in-course decisions.
type CourseUserConsent struct {
	CourseID                int64      `json:"course_id"`
	UserID                  uuid.UUID  `json:"user_id"`
	Authorized              bool       `json:"authorized"`
	AllowTeacherInvolvement bool       `json:"allow_teacher_involvement"`
	ModifiedBy              *uuid.UUID `json:"modified_by,omitempty"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// User is the host platform's contact record for a student or teacher.
// ChatID is the user's chat-bot conversation id, set once the user has
// linked the bot; it is the preferred delivery address when present.
type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Phone     *string   `json:"phone,omitempty"`
	ChatID    *string   `json:"chat_id,omitempty"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
}

// Course is the host platform's course record.
type Course struct {
	ID        int64  `json:"id"`
	ShortName string `json:"short_name"`
	FullName  string `json:"full_name"`
}

// AnalyticsModel maps a model id to the target type that produced a
// prediction.
type AnalyticsModel struct {
	ID      int64  `json:"id"`
	Target  string `json:"target"`
	Enabled bool   `json:"enabled"`
}

// ActivityEvent is one row from the host platform's event log.
type ActivityEvent struct {
	ID         int64     `json:"id"`
	EventName  string    `json:"event_name"`
	CourseID   int64     `json:"course_id"`
	ObjectID   int64     `json:"object_id"`
	ModuleType string    `json:"module_type"`
	ModuleName string    `json:"module_name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Event names the core consumes from the host event log.
const (
	EventCourseViewed  = "core.course_viewed"
	EventModuleCreated = "core.course_module_created"
)
