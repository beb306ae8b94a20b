package consent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lukasbeck/motiva/internal/db"
)

type mockStore struct {
	userConsents   map[string]*db.UserConsent
	courseConsents map[string]*db.CourseUserConsent

	upsertCalled bool
	ensureCalled bool
	lookupErr    error
}

func newMockStore() *mockStore {
	return &mockStore{
		userConsents:   make(map[string]*db.UserConsent),
		courseConsents: make(map[string]*db.CourseUserConsent),
	}
}

func courseKey(courseID int64, userID uuid.UUID) string {
	return fmt.Sprintf("%d:%s", courseID, userID)
}

func (m *mockStore) GetUserConsent(ctx context.Context, userID uuid.UUID) (*db.UserConsent, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	c, ok := m.userConsents[userID.String()]
	if !ok {
		return nil, fmt.Errorf("user consent %s: %w", userID, db.ErrNotFound)
	}
	return c, nil
}

func (m *mockStore) GetCourseUserConsent(ctx context.Context, courseID int64, userID uuid.UUID) (*db.CourseUserConsent, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	c, ok := m.courseConsents[courseKey(courseID, userID)]
	if !ok {
		return nil, fmt.Errorf("course consent: %w", db.ErrNotFound)
	}
	return c, nil
}

func (m *mockStore) UpsertCourseUserConsent(ctx context.Context, c *db.CourseUserConsent) error {
	m.upsertCalled = true
	m.courseConsents[courseKey(c.CourseID, c.UserID)] = c
	return nil
}

func (m *mockStore) EnsureUserConsent(ctx context.Context, c *db.UserConsent) error {
	m.ensureCalled = true
	if _, ok := m.userConsents[c.UserID.String()]; !ok {
		m.userConsents[c.UserID.String()] = c
	}
	return nil
}

func TestIsAuthorized_CourseRecordWins(t *testing.T) {
	store := newMockStore()
	userID := uuid.New()

	store.userConsents[userID.String()] = &db.UserConsent{UserID: userID, Authorized: true}
	store.courseConsents[courseKey(101, userID)] = &db.CourseUserConsent{
		CourseID: 101, UserID: userID, Authorized: false,
	}

	gate := NewGate(store, zap.NewNop())

	ok, err := gate.IsAuthorized(context.Background(), userID, 101)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("course-scoped revocation must override the user record")
	}

	// A course without its own record falls back to the user record.
	ok, err = gate.IsAuthorized(context.Background(), userID, 202)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected fallback to user-level consent")
	}
}

func TestIsAuthorized_NoRecords(t *testing.T) {
	gate := NewGate(newMockStore(), zap.NewNop())

	ok, err := gate.IsAuthorized(context.Background(), uuid.New(), 101)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("absence of consent records means not authorized")
	}
}

func TestIsAuthorized_StoreFailure(t *testing.T) {
	store := newMockStore()
	store.lookupErr = errors.New("db down")
	gate := NewGate(store, zap.NewNop())

	if _, err := gate.IsAuthorized(context.Background(), uuid.New(), 101); err == nil {
		t.Fatal("expected store error to propagate")
	}
}

func TestAllowsTeacherInvolvement(t *testing.T) {
	store := newMockStore()
	userID := uuid.New()

	store.userConsents[userID.String()] = &db.UserConsent{
		UserID: userID, Authorized: true, AllowTeacherInvolvement: true,
	}
	store.courseConsents[courseKey(101, userID)] = &db.CourseUserConsent{
		CourseID: 101, UserID: userID, Authorized: true, AllowTeacherInvolvement: false,
	}

	gate := NewGate(store, zap.NewNop())

	ok, err := gate.AllowsTeacherInvolvement(context.Background(), userID, 101)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("course record withholds teacher involvement")
	}

	ok, err = gate.AllowsTeacherInvolvement(context.Background(), userID, 202)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected fallback to user-level setting")
	}
}

func TestSubmit(t *testing.T) {
	store := newMockStore()
	userID := uuid.New()
	modifier := uuid.New()
	gate := NewGate(store, zap.NewNop())

	err := gate.Submit(context.Background(), Submission{
		UserID:                  userID,
		CourseID:                101,
		Authorized:              true,
		AllowTeacherInvolvement: true,
		ModifiedBy:              &modifier,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !store.upsertCalled {
		t.Error("expected course consent upsert")
	}
	if !store.ensureCalled {
		t.Error("expected user consent to be ensured")
	}

	ok, _ := gate.IsAuthorized(context.Background(), userID, 101)
	if !ok {
		t.Error("expected authorization after submission")
	}
}

func TestSubmit_RevokeDoesNotFlipUserRecord(t *testing.T) {
	store := newMockStore()
	userID := uuid.New()
	store.userConsents[userID.String()] = &db.UserConsent{UserID: userID, Authorized: true}
	gate := NewGate(store, zap.NewNop())

	err := gate.Submit(context.Background(), Submission{
		UserID:     userID,
		CourseID:   101,
		Authorized: false,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The course record carries the revocation.
	ok, _ := gate.IsAuthorized(context.Background(), userID, 101)
	if ok {
		t.Error("expected revocation for the submitted course")
	}

	// The pre-existing user record is left untouched.
	if !store.userConsents[userID.String()].Authorized {
		t.Error("user-level record must not be overwritten by a course submission")
	}
}
