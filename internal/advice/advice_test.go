package advice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbeck/motiva/internal/db"
)

type mockQuerier struct {
	lastAccess time.Time
	found      bool
	events     []*db.ActivityEvent
	queryErr   error

	gotSince    time.Time
	gotCourseID *int64
	gotLimit    int
}

func (m *mockQuerier) LastAccess(ctx context.Context, userID uuid.UUID, courseID *int64) (time.Time, bool, error) {
	if m.queryErr != nil {
		return time.Time{}, false, m.queryErr
	}
	return m.lastAccess, m.found, nil
}

func (m *mockQuerier) RecentModuleCreations(ctx context.Context, since, until time.Time, courseID *int64, limit int) ([]*db.ActivityEvent, error) {
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	m.gotSince = since
	m.gotCourseID = courseID
	m.gotLimit = limit
	if len(m.events) > limit {
		return m.events[:limit], nil
	}
	return m.events, nil
}

func makeEvents(n int) []*db.ActivityEvent {
	events := make([]*db.ActivityEvent, n)
	for i := range events {
		events[i] = &db.ActivityEvent{
			ID:         int64(i + 1),
			EventName:  "course_module_created",
			CourseID:   101,
			ObjectID:   int64(i + 10),
			ModuleType: "quiz",
			ModuleName: fmt.Sprintf("Quiz %d", i+1),
		}
	}
	return events
}

const baseURL = "http://moodle.local"

func TestRecentActivities(t *testing.T) {
	q := &mockQuerier{
		lastAccess: time.Now().Add(-48 * time.Hour),
		found:      true,
		events:     makeEvents(2),
	}

	a, err := RecentActivities(context.Background(), q, uuid.New(), nil, baseURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.Title != "New course activities since your last visit" {
		t.Errorf("unexpected title %q", a.Title)
	}
	if len(a.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(a.Actions))
	}
	if a.Actions[0].Title != "Go to Quiz 1" {
		t.Errorf("unexpected action title %q", a.Actions[0].Title)
	}
	if a.Actions[0].URL != "http://moodle.local/mod/quiz/view.php?id=10" {
		t.Errorf("unexpected action url %q", a.Actions[0].URL)
	}
	if !q.gotSince.Equal(q.lastAccess) {
		t.Errorf("expected window starting at last access, got %v", q.gotSince)
	}
}

func TestRecentActivities_EmptyWindow(t *testing.T) {
	q := &mockQuerier{found: true, lastAccess: time.Now()}

	_, err := RecentActivities(context.Background(), q, uuid.New(), nil, baseURL)
	if !errors.Is(err, ErrNothingToReport) {
		t.Fatalf("expected ErrNothingToReport, got %v", err)
	}
}

func TestRecentActivities_NoAccessRecord(t *testing.T) {
	// A user without an access record gets a full-history window.
	q := &mockQuerier{found: false, events: makeEvents(1)}

	a, err := RecentActivities(context.Background(), q, uuid.New(), nil, baseURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Actions) != 1 {
		t.Errorf("expected 1 action, got %d", len(a.Actions))
	}
	if !q.gotSince.IsZero() {
		t.Errorf("expected zero-time window start, got %v", q.gotSince)
	}
}

func TestRecentActivities_CapsActions(t *testing.T) {
	q := &mockQuerier{found: true, events: makeEvents(9)}

	a, err := RecentActivities(context.Background(), q, uuid.New(), nil, baseURL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(a.Actions) != maxActions {
		t.Errorf("expected %d actions, got %d", maxActions, len(a.Actions))
	}
	if q.gotLimit != maxActions {
		t.Errorf("expected query limit %d, got %d", maxActions, q.gotLimit)
	}
}

func TestRecentActivities_CourseScoped(t *testing.T) {
	q := &mockQuerier{found: true, events: makeEvents(1)}
	courseID := int64(101)

	if _, err := RecentActivities(context.Background(), q, uuid.New(), &courseID, baseURL); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.gotCourseID == nil || *q.gotCourseID != 101 {
		t.Errorf("expected course scope 101, got %v", q.gotCourseID)
	}
}

func TestRecentActivities_QueryFailure(t *testing.T) {
	q := &mockQuerier{queryErr: errors.New("db down")}

	_, err := RecentActivities(context.Background(), q, uuid.New(), nil, baseURL)
	if err == nil || errors.Is(err, ErrNothingToReport) {
		t.Fatalf("expected a query error, got %v", err)
	}
}

func testAdvice() *Advice {
	return &Advice{
		Title: "New course activities since your last visit",
		Actions: []Action{
			{Title: "Go to Quiz 1", URL: "http://moodle.local/mod/quiz/view.php?id=10", Label: "Check out this recently added activity"},
			{Title: "Go to Forum 1", URL: "http://moodle.local/mod/forum/view.php?id=11", Label: "Check out this recently added activity"},
		},
	}
}

func TestRenderPlain(t *testing.T) {
	got := RenderPlain(testAdvice())
	want := "New course activities since your last visit\n" +
		"Go to Quiz 1: http://moodle.local/mod/quiz/view.php?id=10\n" +
		"Go to Forum 1: http://moodle.local/mod/forum/view.php?id=11"
	if got != want {
		t.Errorf("unexpected plain rendering:\n%s", got)
	}
}

func TestRenderPlain_NoActions(t *testing.T) {
	got := RenderPlain(&Advice{Title: "All caught up"})
	if got != "All caught up" {
		t.Errorf("unexpected rendering %q", got)
	}
}

func TestRenderHTML(t *testing.T) {
	got, err := RenderHTML(testAdvice())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"<h4>New course activities since your last visit</h4>",
		`<a href="http://moodle.local/mod/quiz/view.php?id=10">Go to Quiz 1</a>`,
		`<a href="http://moodle.local/mod/forum/view.php?id=11">Go to Forum 1</a>`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("html missing %q:\n%s", want, got)
		}
	}
}

func TestRenderHTML_EscapesContent(t *testing.T) {
	a := &Advice{
		Title:   "Watch <out>",
		Actions: []Action{{Title: "a & b", URL: "http://moodle.local/x", Label: "l"}},
	}

	got, err := RenderHTML(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got, "Watch &lt;out&gt;") {
		t.Errorf("title not escaped:\n%s", got)
	}
	if !strings.Contains(got, "a &amp; b") {
		t.Errorf("action title not escaped:\n%s", got)
	}
}

func TestRenderChat(t *testing.T) {
	msg, err := RenderChat(testAdvice())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Text != "New course activities since your last visit" {
		t.Errorf("unexpected text %q", msg.Text)
	}
	if msg.ParseMode != "Markdown" {
		t.Errorf("unexpected parse mode %q", msg.ParseMode)
	}

	var kb InlineKeyboard
	if err := json.Unmarshal([]byte(msg.ReplyMarkup), &kb); err != nil {
		t.Fatalf("reply markup is not valid JSON: %v", err)
	}
	if len(kb.InlineKeyboard) != 2 {
		t.Fatalf("expected 2 button rows, got %d", len(kb.InlineKeyboard))
	}
	for i, row := range kb.InlineKeyboard {
		if len(row) != 1 {
			t.Fatalf("row %d: expected exactly one button, got %d", i, len(row))
		}
	}
	if kb.InlineKeyboard[0][0].Text != "Go to Quiz 1" {
		t.Errorf("unexpected button text %q", kb.InlineKeyboard[0][0].Text)
	}
	if kb.InlineKeyboard[0][0].URL != "http://moodle.local/mod/quiz/view.php?id=10" {
		t.Errorf("unexpected button url %q", kb.InlineKeyboard[0][0].URL)
	}
}
