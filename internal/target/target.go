// Package target enumerates the analytics target types the service can act
// on. Each target carries its short name, the desired event whose occurrence
// marks an intervention successful, and the message template key — structured
// data instead of parsing tokens out of fully qualified identifiers.
package target

import (
	"errors"
	"fmt"

	"github.com/lukasbeck/motiva/internal/db"
)

// ErrUnknownTarget is returned when a prediction references a target type
// the registry does not know.
var ErrUnknownTarget = errors.New("unknown analytics target")

// Descriptor describes one analytics target type.
type Descriptor struct {
	// ID is the fully qualified target identifier as stored by the
	// analytics pipeline.
	ID string

	// Name is the short token used in template keys and logs.
	Name string

	// DesiredEvent is the event whose future occurrence for the subject
	// indicates the intervention succeeded. Empty when no event is mapped.
	DesiredEvent string

	// TemplateKey selects the message subject/body templates in the catalog.
	TemplateKey string
}

// Fully qualified target identifiers produced by the analytics pipeline.
const (
	NoRecentAccesses = "motiva.target.no_recent_accesses"
	CourseDropout    = "motiva.target.course_dropout"
)

// Registry resolves target identifiers to descriptors.
type Registry struct {
	byID map[string]Descriptor
}

// NewRegistry returns the registry with the built-in targets. Only
// no_recent_accesses maps to a desired event; the remaining targets carry
// none, matching the current analytics coverage.
func NewRegistry() *Registry {
	targets := []Descriptor{
		{
			ID:           NoRecentAccesses,
			Name:         "no_recent_accesses",
			DesiredEvent: db.EventCourseViewed,
			TemplateKey:  "no_recent_accesses",
		},
		{
			ID:          CourseDropout,
			Name:        "course_dropout",
			TemplateKey: "course_dropout",
		},
	}

	byID := make(map[string]Descriptor, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}

	return &Registry{byID: byID}
}

// Lookup resolves a fully qualified target identifier.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return d, nil
}

// DesiredEvent returns the desired event for a target identifier, or the
// empty string when the target is unknown or carries no mapping.
func (r *Registry) DesiredEvent(id string) string {
	return r.byID[id].DesiredEvent
}
