package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// Repository handles database operations for interventions, consent and the
// host platform lookup tables.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateIntervention inserts a new intervention record
func (r *Repository) CreateIntervention(ctx context.Context, iv *Intervention) error {
	query := `
		INSERT INTO interventions (
			id, user_id, course_id, target, desired_event,
			state, message_receipt, modified_by
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		iv.ID,
		iv.UserID,
		iv.CourseID,
		iv.Target,
		iv.DesiredEvent,
		iv.State,
		iv.MessageReceipt,
		iv.ModifiedBy,
	).Scan(&iv.CreatedAt, &iv.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create intervention",
			zap.Error(err),
			zap.String("intervention_id", iv.ID.String()),
		)
		return fmt.Errorf("insert intervention: %w", err)
	}

	r.logger.Info("intervention created",
		zap.String("intervention_id", iv.ID.String()),
		zap.String("user_id", iv.UserID.String()),
		zap.String("target", iv.Target),
	)

	return nil
}

// GetIntervention retrieves an intervention by ID
func (r *Repository) GetIntervention(ctx context.Context, id uuid.UUID) (*Intervention, error) {
	query := `
		SELECT
			id, user_id, course_id, target, desired_event,
			state, message_receipt, modified_by, created_at, updated_at
		FROM interventions
		WHERE id = $1
	`

	var iv Intervention
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&iv.ID,
		&iv.UserID,
		&iv.CourseID,
		&iv.Target,
		&iv.DesiredEvent,
		&iv.State,
		&iv.MessageReceipt,
		&iv.ModifiedBy,
		&iv.CreatedAt,
		&iv.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("intervention %s: %w", id, ErrNotFound)
	}

	if err != nil {
		r.logger.Error("failed to get intervention",
			zap.Error(err),
			zap.String("intervention_id", id.String()),
		)
		return nil, fmt.Errorf("query intervention: %w", err)
	}

	return &iv, nil
}

// UpdateIntervention persists the mutable fields of an intervention. The id
// and creation audit fields are immutable once assigned.
func (r *Repository) UpdateIntervention(ctx context.Context, iv *Intervention) error {
	query := `
		UPDATE interventions
		SET state = $1, message_receipt = $2, modified_by = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query, iv.State, iv.MessageReceipt, iv.ModifiedBy, iv.ID).Scan(&iv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("intervention %s: %w", iv.ID, ErrNotFound)
	}
	if err != nil {
		r.logger.Error("failed to update intervention",
			zap.Error(err),
			zap.String("intervention_id", iv.ID.String()),
		)
		return fmt.Errorf("update intervention: %w", err)
	}

	return nil
}

// ListInterventions retrieves interventions, optionally filtered by user
// and/or course, newest first.
func (r *Repository) ListInterventions(
	ctx context.Context,
	userID *uuid.UUID,
	courseID *int64,
	limit int,
	offset int,
) ([]*Intervention, error) {
	query := `
		SELECT
			id, user_id, course_id, target, desired_event,
			state, message_receipt, modified_by, created_at, updated_at
		FROM interventions
		WHERE ($1::uuid IS NULL OR user_id = $1)
		  AND ($2::bigint IS NULL OR course_id = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, courseID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query interventions: %w", err)
	}
	defer rows.Close()

	return scanInterventions(rows)
}

// StaleIntervened retrieves interventions still waiting for their desired
// event whose last modification is older than cutoff.
func (r *Repository) StaleIntervened(ctx context.Context, cutoff time.Time, limit int) ([]*Intervention, error) {
	query := `
		SELECT
			id, user_id, course_id, target, desired_event,
			state, message_receipt, modified_by, created_at, updated_at
		FROM interventions
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, StateIntervened, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale interventions: %w", err)
	}
	defer rows.Close()

	return scanInterventions(rows)
}

// StaleScheduled retrieves interventions that never left Scheduled, oldest
// first. These are records whose enqueue was lost and that need to be
// scheduled again.
func (r *Repository) StaleScheduled(ctx context.Context, cutoff time.Time, limit int) ([]*Intervention, error) {
	query := `
		SELECT
			id, user_id, course_id, target, desired_event,
			state, message_receipt, modified_by, created_at, updated_at
		FROM interventions
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, StateScheduled, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stuck scheduled interventions: %w", err)
	}
	defer rows.Close()

	return scanInterventions(rows)
}

func scanInterventions(rows pgx.Rows) ([]*Intervention, error) {
	var interventions []*Intervention
	for rows.Next() {
		var iv Intervention
		err := rows.Scan(
			&iv.ID,
			&iv.UserID,
			&iv.CourseID,
			&iv.Target,
			&iv.DesiredEvent,
			&iv.State,
			&iv.MessageReceipt,
			&iv.ModifiedBy,
			&iv.CreatedAt,
			&iv.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan intervention: %w", err)
		}
		interventions = append(interventions, &iv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return interventions, nil
}

// PredictionSubject resolves the user behind an analytics sample reference.
func (r *Repository) PredictionSubject(ctx context.Context, sampleID int64) (uuid.UUID, error) {
	query := `SELECT user_id FROM prediction_samples WHERE sample_id = $1`

	var userID uuid.UUID
	err := r.db.Pool().QueryRow(ctx, query, sampleID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("sample %d: %w", sampleID, ErrNotFound)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("query prediction sample: %w", err)
	}

	return userID, nil
}

// GetAnalyticsModel retrieves the analytics model owning a prediction
func (r *Repository) GetAnalyticsModel(ctx context.Context, id int64) (*AnalyticsModel, error) {
	query := `SELECT id, target, enabled FROM analytics_models WHERE id = $1`

	var m AnalyticsModel
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&m.ID, &m.Target, &m.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("analytics model %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query analytics model: %w", err)
	}

	return &m, nil
}

// GetUser retrieves a user's contact record
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `SELECT id, email, phone, chat_id, first_name, last_name FROM users WHERE id = $1`

	var u User
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&u.ID, &u.Email, &u.Phone, &u.ChatID, &u.FirstName, &u.LastName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &u, nil
}

// GetCourse retrieves a course record
func (r *Repository) GetCourse(ctx context.Context, id int64) (*Course, error) {
	query := `SELECT id, short_name, full_name FROM courses WHERE id = $1`

	var c Course
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&c.ID, &c.ShortName, &c.FullName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("course %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query course: %w", err)
	}

	return &c, nil
}

// CourseTeachers lists the teachers assigned to a course
func (r *Repository) CourseTeachers(ctx context.Context, courseID int64) ([]*User, error) {
	query := `
		SELECT u.id, u.email, u.phone, u.chat_id, u.first_name, u.last_name
		FROM users u
		JOIN course_teachers ct ON ct.user_id = u.id
		WHERE ct.course_id = $1
		ORDER BY u.last_name, u.first_name
	`

	rows, err := r.db.Pool().Query(ctx, query, courseID)
	if err != nil {
		return nil, fmt.Errorf("query course teachers: %w", err)
	}
	defer rows.Close()

	var teachers []*User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Phone, &u.ChatID, &u.FirstName, &u.LastName); err != nil {
			return nil, fmt.Errorf("scan teacher: %w", err)
		}
		teachers = append(teachers, &u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return teachers, nil
}

// LastAccess returns a user's last access timestamp, course-scoped when
// courseID is non-nil, account-wide otherwise. found is false when the user
// has no access record yet.
func (r *Repository) LastAccess(ctx context.Context, userID uuid.UUID, courseID *int64) (time.Time, bool, error) {
	query := `
		SELECT accessed_at
		FROM user_lastaccess
		WHERE user_id = $1 AND ($2::bigint IS NULL OR course_id = $2)
		ORDER BY accessed_at DESC
		LIMIT 1
	`

	var accessedAt time.Time
	err := r.db.Pool().QueryRow(ctx, query, userID, courseID).Scan(&accessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last access: %w", err)
	}

	return accessedAt, true, nil
}

// RecentModuleCreations returns module-created events in (since, until],
// optionally filtered to a course, newest first, capped at limit.
func (r *Repository) RecentModuleCreations(
	ctx context.Context,
	since time.Time,
	until time.Time,
	courseID *int64,
	limit int,
) ([]*ActivityEvent, error) {
	query := `
		SELECT id, event_name, course_id, object_id, module_type, module_name, created_at
		FROM activity_events
		WHERE event_name = $1
		  AND created_at > $2 AND created_at <= $3
		  AND ($4::bigint IS NULL OR course_id = $4)
		ORDER BY created_at DESC
		LIMIT $5
	`

	rows, err := r.db.Pool().Query(ctx, query, EventModuleCreated, since, until, courseID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity events: %w", err)
	}
	defer rows.Close()

	var events []*ActivityEvent
	for rows.Next() {
		var ev ActivityEvent
		err := rows.Scan(&ev.ID, &ev.EventName, &ev.CourseID, &ev.ObjectID, &ev.ModuleType, &ev.ModuleName, &ev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan activity event: %w", err)
		}
		events = append(events, &ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return events, nil
}

// GetUserConsent retrieves the account-wide consent record
func (r *Repository) GetUserConsent(ctx context.Context, userID uuid.UUID) (*UserConsent, error) {
	query := `
		SELECT user_id, authorized, allow_teacher_involvement, modified_by, created_at, updated_at
		FROM user_consent
		WHERE user_id = $1
	`

	var c UserConsent
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&c.UserID,
		&c.Authorized,
		&c.AllowTeacherInvolvement,
		&c.ModifiedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user consent %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query user consent: %w", err)
	}

	return &c, nil
}

// GetCourseUserConsent retrieves the course-scoped consent record
func (r *Repository) GetCourseUserConsent(ctx context.Context, courseID int64, userID uuid.UUID) (*CourseUserConsent, error) {
	query := `
		SELECT course_id, user_id, authorized, allow_teacher_involvement, modified_by, created_at, updated_at
		FROM course_user_consent
		WHERE course_id = $1 AND user_id = $2
	`

	var c CourseUserConsent
	err := r.db.Pool().QueryRow(ctx, query, courseID, userID).Scan(
		&c.CourseID,
		&c.UserID,
		&c.Authorized,
		&c.AllowTeacherInvolvement,
		&c.ModifiedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("course consent %d/%s: %w", courseID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query course consent: %w", err)
	}

	return &c, nil
}

// UpsertCourseUserConsent creates or updates the course-scoped consent record
func (r *Repository) UpsertCourseUserConsent(ctx context.Context, c *CourseUserConsent) error {
	query := `
		INSERT INTO course_user_consent (
			course_id, user_id, authorized, allow_teacher_involvement, modified_by
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (course_id, user_id) DO UPDATE
		SET authorized = EXCLUDED.authorized,
		    allow_teacher_involvement = EXCLUDED.allow_teacher_involvement,
		    modified_by = EXCLUDED.modified_by,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		c.CourseID,
		c.UserID,
		c.Authorized,
		c.AllowTeacherInvolvement,
		c.ModifiedBy,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert course consent: %w", err)
	}

	r.logger.Info("course consent saved",
		zap.Int64("course_id", c.CourseID),
		zap.String("user_id", c.UserID.String()),
		zap.Bool("authorized", c.Authorized),
	)

	return nil
}

// EnsureUserConsent creates the account-wide consent record if it does not
// exist yet. An existing record is left untouched; the course-scoped record
// carries the in-course decision.
func (r *Repository) EnsureUserConsent(ctx context.Context, c *UserConsent) error {
	query := `
		INSERT INTO user_consent (
			user_id, authorized, allow_teacher_involvement, modified_by
		) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING
	`

	_, err := r.db.Pool().Exec(ctx, query, c.UserID, c.Authorized, c.AllowTeacherInvolvement, c.ModifiedBy)
	if err != nil {
		return fmt.Errorf("ensure user consent: %w", err)
	}

	return nil
}
