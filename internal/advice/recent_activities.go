package advice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lukasbeck/motiva/internal/db"
)

// ErrNothingToReport is returned when a builder finds nothing to suggest.
// This is an expected outcome the caller branches on, not a failure.
var ErrNothingToReport = errors.New("nothing to report")

// maxActions caps the number of suggested actions per advice.
const maxActions = 5

// ActivityQuerier is the read-only slice of storage the recent-activities
// builder needs.
type ActivityQuerier interface {
	LastAccess(ctx context.Context, userID uuid.UUID, courseID *int64) (time.Time, bool, error)
	RecentModuleCreations(ctx context.Context, since, until time.Time, courseID *int64, limit int) ([]*db.ActivityEvent, error)
}

// RecentActivities builds an advice listing course material added since the
// user's last access. The window is course-scoped when courseID is non-nil,
// account-wide otherwise. A user without any access record gets a
// full-history window. Returns ErrNothingToReport when no qualifying events
// exist.
func RecentActivities(ctx context.Context, q ActivityQuerier, userID uuid.UUID, courseID *int64, baseURL string) (*Advice, error) {
	lastAccess, found, err := q.LastAccess(ctx, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("resolve last access: %w", err)
	}
	if !found {
		// New user: no access record yet, consider the full history.
		lastAccess = time.Time{}
	}

	events, err := q.RecentModuleCreations(ctx, lastAccess, time.Now(), courseID, maxActions)
	if err != nil {
		return nil, fmt.Errorf("query recent activities: %w", err)
	}
	if len(events) == 0 {
		return nil, ErrNothingToReport
	}

	a := &Advice{Title: "New course activities since your last visit"}
	for _, ev := range events {
		a.Actions = append(a.Actions, Action{
			Title: fmt.Sprintf("Go to %s", ev.ModuleName),
			URL:   fmt.Sprintf("%s/mod/%s/view.php?id=%d", baseURL, ev.ModuleType, ev.ObjectID),
			Label: "Check out this recently added activity",
		})
	}

	return a, nil
}
