// Package consent implements the authorization gate for analysis and
// interventions. The gate is a precondition lookup, not a state machine: the
// course-scoped record wins, the user-scoped record is the fallback, and
// absence of both means not authorized.
package consent

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lukasbeck/motiva/internal/db"
)

// Store is the slice of storage the consent gate needs.
type Store interface {
	GetUserConsent(ctx context.Context, userID uuid.UUID) (*db.UserConsent, error)
	GetCourseUserConsent(ctx context.Context, courseID int64, userID uuid.UUID) (*db.CourseUserConsent, error)
	UpsertCourseUserConsent(ctx context.Context, c *db.CourseUserConsent) error
	EnsureUserConsent(ctx context.Context, c *db.UserConsent) error
}

// Gate answers whether a user may be analyzed and messaged.
type Gate struct {
	store  Store
	logger *zap.Logger
}

// NewGate creates a consent gate
func NewGate(store Store, logger *zap.Logger) *Gate {
	return &Gate{store: store, logger: logger}
}

// IsAuthorized reports whether interventions may fire for the user in the
// given course. The course-scoped record takes precedence; without any
// record the answer is false.
func (g *Gate) IsAuthorized(ctx context.Context, userID uuid.UUID, courseID int64) (bool, error) {
	course, err := g.store.GetCourseUserConsent(ctx, courseID, userID)
	if err == nil {
		return course.Authorized, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return false, err
	}

	user, err := g.store.GetUserConsent(ctx, userID)
	if err == nil {
		return user.Authorized, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return false, err
	}

	return false, nil
}

// AllowsTeacherInvolvement reports whether the user consented to teachers
// being notified about unsuccessful interventions. Same precedence as
// IsAuthorized.
func (g *Gate) AllowsTeacherInvolvement(ctx context.Context, userID uuid.UUID, courseID int64) (bool, error) {
	course, err := g.store.GetCourseUserConsent(ctx, courseID, userID)
	if err == nil {
		return course.AllowTeacherInvolvement, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return false, err
	}

	user, err := g.store.GetUserConsent(ctx, userID)
	if err == nil {
		return user.AllowTeacherInvolvement, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return false, err
	}

	return false, nil
}

// Submission is one settings-form submission for a (user, course) pair.
type Submission struct {
	UserID                  uuid.UUID
	CourseID                int64
	Authorized              bool
	AllowTeacherInvolvement bool
	ModifiedBy              *uuid.UUID
}

// Submit upserts the course-scoped consent record and lazily creates the
// account-wide record on first submission.
func (g *Gate) Submit(ctx context.Context, s Submission) error {
	courseConsent := &db.CourseUserConsent{
		CourseID:                s.CourseID,
		UserID:                  s.UserID,
		Authorized:              s.Authorized,
		AllowTeacherInvolvement: s.AllowTeacherInvolvement,
		ModifiedBy:              s.ModifiedBy,
	}
	if err := g.store.UpsertCourseUserConsent(ctx, courseConsent); err != nil {
		return err
	}

	userConsent := &db.UserConsent{
		UserID:                  s.UserID,
		Authorized:              s.Authorized,
		AllowTeacherInvolvement: s.AllowTeacherInvolvement,
		ModifiedBy:              s.ModifiedBy,
	}
	if err := g.store.EnsureUserConsent(ctx, userConsent); err != nil {
		return err
	}

	g.logger.Info("consent settings saved",
		zap.String("user_id", s.UserID.String()),
		zap.Int64("course_id", s.CourseID),
		zap.Bool("authorized", s.Authorized),
		zap.Bool("allow_teacher_involvement", s.AllowTeacherInvolvement),
	)

	return nil
}
