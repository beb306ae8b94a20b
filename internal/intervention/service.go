// Package intervention implements the lifecycle engine that turns analytics
// predictions into tracked, stateful outreach records: create from
// prediction, schedule, intervene (message delivery), and outcome
// resolution.
package intervention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lukasbeck/motiva/internal/advice"
	"github.com/lukasbeck/motiva/internal/catalog"
	"github.com/lukasbeck/motiva/internal/db"
	"github.com/lukasbeck/motiva/internal/messaging"
	"github.com/lukasbeck/motiva/internal/metrics"
	"github.com/lukasbeck/motiva/internal/target"
)

var (
	// ErrSubjectNotResolved indicates the prediction's sample reference did
	// not resolve to a user. Nothing is persisted.
	ErrSubjectNotResolved = errors.New("prediction subject not resolved")

	// ErrModelNotFound indicates the prediction's analytics model record is
	// missing. Nothing is persisted.
	ErrModelNotFound = errors.New("analytics model not found")

	// ErrNotAuthorized indicates the subject has not consented to
	// interventions. Nothing is persisted.
	ErrNotAuthorized = errors.New("user has not authorized interventions")

	// ErrInvalidTransition indicates a requested state change would move
	// backward or out of the defined transition set.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Prediction is the analytics pipeline's output: a sample flagged by a model
// within a course context.
type Prediction struct {
	SampleID int64 `json:"sample_id"`
	ModelID  int64 `json:"model_id"`
	CourseID int64 `json:"course_id"`
}

// Store is the slice of storage the lifecycle engine needs.
type Store interface {
	CreateIntervention(ctx context.Context, iv *db.Intervention) error
	GetIntervention(ctx context.Context, id uuid.UUID) (*db.Intervention, error)
	UpdateIntervention(ctx context.Context, iv *db.Intervention) error
	ListInterventions(ctx context.Context, userID *uuid.UUID, courseID *int64, limit, offset int) ([]*db.Intervention, error)
	StaleIntervened(ctx context.Context, cutoff time.Time, limit int) ([]*db.Intervention, error)
	StaleScheduled(ctx context.Context, cutoff time.Time, limit int) ([]*db.Intervention, error)
	PredictionSubject(ctx context.Context, sampleID int64) (uuid.UUID, error)
	GetAnalyticsModel(ctx context.Context, id int64) (*db.AnalyticsModel, error)
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetCourse(ctx context.Context, id int64) (*db.Course, error)
	CourseTeachers(ctx context.Context, courseID int64) ([]*db.User, error)
}

// Queue defers intervention execution. Enqueue hands the intervention id to
// the schedule queue; the worker consumes it and calls Intervene.
type Queue interface {
	Enqueue(ctx context.Context, interventionID uuid.UUID) (string, error)
}

// ConsentChecker answers whether a student may be intervened at all and
// whether teachers may be involved.
type ConsentChecker interface {
	IsAuthorized(ctx context.Context, userID uuid.UUID, courseID int64) (bool, error)
	AllowsTeacherInvolvement(ctx context.Context, userID uuid.UUID, courseID int64) (bool, error)
}

// Config holds the lifecycle engine's settings.
type Config struct {
	// BaseURL is the host platform root used for deep links.
	BaseURL string

	// NoReplyEmail is the system sender identity for outgoing messages.
	NoReplyEmail string

	// BotName signs outgoing messages.
	BotName string
}

// Service is the intervention lifecycle engine.
type Service struct {
	store   Store
	targets *target.Registry
	catalog *catalog.Catalog
	sender  messaging.Sender
	queue   Queue // nil means schedule runs synchronously
	consent ConsentChecker
	config  Config
	logger  *zap.Logger
}

// New creates the lifecycle engine. queue and consent may be nil: without a
// queue, Schedule intervenes synchronously; without a consent checker, every
// prediction is accepted and no escalation messages are sent.
func New(
	store Store,
	targets *target.Registry,
	cat *catalog.Catalog,
	sender messaging.Sender,
	queue Queue,
	consent ConsentChecker,
	cfg Config,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:   store,
		targets: targets,
		catalog: cat,
		sender:  sender,
		queue:   queue,
		consent: consent,
		config:  cfg,
		logger:  logger,
	}
}

// CreateFromPrediction constructs and persists a new intervention from a
// prediction. Fails without writing anything when the subject or the owning
// analytics model cannot be resolved. The desired event is derived from the
// model's target via the registry; unknown targets get no desired event.
func (s *Service) CreateFromPrediction(ctx context.Context, pred Prediction, actor *uuid.UUID) (*db.Intervention, error) {
	userID, err := s.store.PredictionSubject(ctx, pred.SampleID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.logger.Warn("prediction subject not resolved",
				zap.Int64("sample_id", pred.SampleID),
			)
			return nil, fmt.Errorf("sample %d: %w", pred.SampleID, ErrSubjectNotResolved)
		}
		return nil, err
	}

	if s.consent != nil {
		allowed, err := s.consent.IsAuthorized(ctx, userID, pred.CourseID)
		if err != nil {
			return nil, fmt.Errorf("consent lookup: %w", err)
		}
		if !allowed {
			s.logger.Info("prediction rejected, user not authorized",
				zap.String("user_id", userID.String()),
				zap.Int64("course_id", pred.CourseID),
			)
			return nil, ErrNotAuthorized
		}
	}

	model, err := s.store.GetAnalyticsModel(ctx, pred.ModelID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.logger.Warn("analytics model not found",
				zap.Int64("model_id", pred.ModelID),
			)
			return nil, fmt.Errorf("model %d: %w", pred.ModelID, ErrModelNotFound)
		}
		return nil, err
	}

	iv := &db.Intervention{
		ID:           uuid.New(),
		UserID:       userID,
		CourseID:     pred.CourseID,
		Target:       model.Target,
		DesiredEvent: s.targets.DesiredEvent(model.Target),
		State:        db.StateScheduled,
		ModifiedBy:   actor,
	}

	if err := s.store.CreateIntervention(ctx, iv); err != nil {
		return nil, err
	}

	metrics.RecordInterventionCreated(model.Target)

	return iv, nil
}

// Get rehydrates an intervention from storage, a verbatim field copy with no
// validation or side effects.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Intervention, error) {
	return s.store.GetIntervention(ctx, id)
}

// List retrieves interventions for display and administration.
func (s *Service) List(ctx context.Context, userID *uuid.UUID, courseID *int64, limit, offset int) ([]*db.Intervention, error) {
	return s.store.ListInterventions(ctx, userID, courseID, limit, offset)
}

// Schedule defers the intervention onto the work queue. Without a configured
// queue it intervenes synchronously; deferred execution stays a deployment
// choice rather than an API change.
func (s *Service) Schedule(ctx context.Context, iv *db.Intervention) error {
	if s.queue == nil {
		return s.Intervene(ctx, iv.ID)
	}

	msgID, err := s.queue.Enqueue(ctx, iv.ID)
	if err != nil {
		return fmt.Errorf("enqueue intervention: %w", err)
	}

	s.logger.Info("intervention scheduled",
		zap.String("intervention_id", iv.ID.String()),
		zap.String("queue_message_id", msgID),
	)

	return nil
}

// Intervene executes one outreach. The queue delivers at least once, so
// re-entry is a no-op for any record already past Scheduled. The state
// always advances to Intervened and is persisted regardless of the delivery
// outcome; the receipt records the attempt, not the state.
func (s *Service) Intervene(ctx context.Context, id uuid.UUID) error {
	iv, err := s.store.GetIntervention(ctx, id)
	if err != nil {
		return err
	}

	if iv.State != db.StateScheduled {
		s.logger.Debug("intervention already executed, skipping",
			zap.String("intervention_id", iv.ID.String()),
			zap.String("state", iv.State.String()),
		)
		return nil
	}

	var receipt *string
	switch iv.DesiredEvent {
	default:
		// The default and currently only strategy: a notification message
		// through the messaging collaborator.
		r, channel, sendErr := s.sendInterventionMessage(ctx, iv)
		if sendErr != nil {
			s.logger.Error("intervention message delivery failed",
				zap.Error(sendErr),
				zap.String("intervention_id", iv.ID.String()),
				zap.String("channel", channel),
			)
			metrics.RecordMessageSent(channel, "failed")
		} else {
			receipt = &r
			metrics.RecordMessageSent(channel, "sent")
		}
	}

	iv.State = db.StateIntervened
	iv.MessageReceipt = receipt
	if err := s.store.UpdateIntervention(ctx, iv); err != nil {
		return err
	}

	metrics.RecordTransition(db.StateIntervened.String())

	s.logger.Info("intervention executed",
		zap.String("intervention_id", iv.ID.String()),
		zap.Bool("message_delivered", receipt != nil),
	)

	return nil
}

// deliveryChannel picks the channel and recipient address for a user. A
// linked chat bot wins, a phone number means SMS, email is the fallback
// every user has.
func deliveryChannel(user *db.User) (string, string) {
	if user.ChatID != nil && *user.ChatID != "" {
		return messaging.ChannelChat, *user.ChatID
	}
	if user.Phone != nil && *user.Phone != "" {
		return messaging.ChannelSMS, *user.Phone
	}
	return messaging.ChannelEmail, user.Email
}

// courseKeyboard serializes the single go-to-course button for chat
// delivery.
func courseKeyboard(courseURL string) (string, error) {
	markup, err := json.Marshal(advice.InlineKeyboard{
		InlineKeyboard: [][]advice.ChatButton{
			{{Text: "Go to course", URL: courseURL}},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal course keyboard: %w", err)
	}
	return string(markup), nil
}

// sendInterventionMessage builds and delivers the nudge for an intervention
// over the subject's preferred channel. Returns the delivery receipt and the
// channel used.
func (s *Service) sendInterventionMessage(ctx context.Context, iv *db.Intervention) (string, string, error) {
	desc, err := s.targets.Lookup(iv.Target)
	if err != nil {
		// Unknown target: abort delivery, the caller still advances state.
		return "", messaging.ChannelEmail, err
	}

	user, err := s.store.GetUser(ctx, iv.UserID)
	if err != nil {
		return "", messaging.ChannelEmail, fmt.Errorf("resolve recipient: %w", err)
	}

	course, err := s.store.GetCourse(ctx, iv.CourseID)
	if err != nil {
		return "", messaging.ChannelEmail, fmt.Errorf("resolve course: %w", err)
	}

	courseURL := fmt.Sprintf("%s/course/view.php?id=%d", s.config.BaseURL, course.ID)
	data := catalog.MessageData{
		FirstName:       user.FirstName,
		LastName:        user.LastName,
		CourseShortName: course.ShortName,
		CourseURL:       courseURL,
	}

	channel, to := deliveryChannel(user)

	subject, err := s.catalog.Subject(desc.TemplateKey, data)
	if err != nil {
		return "", channel, err
	}
	body, err := s.catalog.Body(desc.TemplateKey, data)
	if err != nil {
		return "", channel, err
	}
	bodyHTML, err := s.catalog.BodyHTML(desc.TemplateKey, data)
	if err != nil {
		return "", channel, err
	}

	msg := &messaging.Message{
		To:           to,
		From:         s.config.NoReplyEmail,
		Subject:      subject,
		Body:         body,
		BodyHTML:     bodyHTML,
		Notification: true,
		ContextURL:   courseURL,
	}

	if channel == messaging.ChannelChat {
		keyboard, err := courseKeyboard(courseURL)
		if err != nil {
			return "", channel, err
		}
		msg.Keyboard = keyboard
	}

	receipt, err := s.sender.Send(ctx, channel, msg)
	return receipt, channel, err
}

// OnSuccess marks an intervention successful once the desired event was
// observed for the subject. Idempotent: repeated calls on a successful
// record are no-ops. A record that never reached Intervened, or already
// ended unsuccessful, rejects the transition.
func (s *Service) OnSuccess(ctx context.Context, id uuid.UUID, observer *uuid.UUID) error {
	iv, err := s.store.GetIntervention(ctx, id)
	if err != nil {
		return err
	}

	if iv.State == db.StateSuccessful {
		return nil
	}
	if !iv.State.CanTransition(db.StateSuccessful) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, iv.State, db.StateSuccessful)
	}

	iv.State = db.StateSuccessful
	iv.ModifiedBy = observer
	if err := s.store.UpdateIntervention(ctx, iv); err != nil {
		return err
	}

	metrics.RecordTransition(db.StateSuccessful.String())

	s.logger.Info("intervention succeeded",
		zap.String("intervention_id", iv.ID.String()),
	)

	return nil
}

// RescheduleStuck re-schedules interventions that never left Scheduled,
// recovering records whose enqueue was lost. olderThan keeps freshly created
// records out of the sweep so they are not double-enqueued while their
// original message is still in flight. Per-record failures are logged and
// skipped; the next sweep picks them up again.
func (s *Service) RescheduleStuck(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	stuck, err := s.store.StaleScheduled(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	rescheduled := 0
	for _, iv := range stuck {
		if err := s.Schedule(ctx, iv); err != nil {
			s.logger.Error("failed to reschedule stuck intervention",
				zap.Error(err),
				zap.String("intervention_id", iv.ID.String()),
			)
			continue
		}
		rescheduled++

		s.logger.Info("stuck intervention rescheduled",
			zap.String("intervention_id", iv.ID.String()),
			zap.Duration("stuck_for", time.Since(iv.UpdatedAt)),
		)
	}

	return rescheduled, nil
}

// EvaluateStale resolves interventions that waited longer than window for
// their desired event into the unsuccessful terminal state. When the
// student consented to teacher involvement, the course teachers get a digest
// message; escalation failures are logged, not propagated.
func (s *Service) EvaluateStale(ctx context.Context, window time.Duration, limit int) (int, error) {
	cutoff := time.Now().Add(-window)

	stale, err := s.store.StaleIntervened(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, iv := range stale {
		iv.State = db.StateUnsuccessful
		if err := s.store.UpdateIntervention(ctx, iv); err != nil {
			s.logger.Error("failed to resolve stale intervention",
				zap.Error(err),
				zap.String("intervention_id", iv.ID.String()),
			)
			continue
		}
		resolved++
		metrics.RecordTransition(db.StateUnsuccessful.String())

		s.logger.Info("intervention marked unsuccessful",
			zap.String("intervention_id", iv.ID.String()),
			zap.Duration("window", window),
		)

		s.escalateToTeachers(ctx, iv)
	}

	return resolved, nil
}

// escalateToTeachers sends the teacher digest for an unsuccessful
// intervention, gated on the student's consent.
func (s *Service) escalateToTeachers(ctx context.Context, iv *db.Intervention) {
	if s.consent == nil {
		return
	}

	allowed, err := s.consent.AllowsTeacherInvolvement(ctx, iv.UserID, iv.CourseID)
	if err != nil {
		s.logger.Warn("teacher involvement check failed", zap.Error(err))
		return
	}
	if !allowed {
		return
	}

	student, err := s.store.GetUser(ctx, iv.UserID)
	if err != nil {
		s.logger.Warn("failed to resolve student for escalation", zap.Error(err))
		return
	}
	course, err := s.store.GetCourse(ctx, iv.CourseID)
	if err != nil {
		s.logger.Warn("failed to resolve course for escalation", zap.Error(err))
		return
	}
	teachers, err := s.store.CourseTeachers(ctx, iv.CourseID)
	if err != nil {
		s.logger.Warn("failed to list course teachers", zap.Error(err))
		return
	}

	courseURL := fmt.Sprintf("%s/course/view.php?id=%d", s.config.BaseURL, course.ID)
	data := catalog.MessageData{
		FirstName:       student.FirstName,
		LastName:        student.LastName,
		CourseShortName: course.ShortName,
		CourseURL:       courseURL,
	}

	subject, err := s.catalog.Subject(catalog.TeacherDigestKey, data)
	if err != nil {
		s.logger.Warn("teacher digest template missing", zap.Error(err))
		return
	}
	body, _ := s.catalog.Body(catalog.TeacherDigestKey, data)
	bodyHTML, _ := s.catalog.BodyHTML(catalog.TeacherDigestKey, data)

	for _, teacher := range teachers {
		channel, to := deliveryChannel(teacher)
		msg := &messaging.Message{
			To:           to,
			From:         s.config.NoReplyEmail,
			Subject:      subject,
			Body:         body,
			BodyHTML:     bodyHTML,
			Notification: true,
			ContextURL:   courseURL,
		}
		if _, err := s.sender.Send(ctx, channel, msg); err != nil {
			s.logger.Warn("teacher escalation failed",
				zap.Error(err),
				zap.String("teacher", teacher.Email),
			)
			continue
		}
		s.logger.Info("teacher notified about unsuccessful intervention",
			zap.String("intervention_id", iv.ID.String()),
			zap.String("teacher", teacher.Email),
		)
	}
}
