// Package catalog holds the message templates for intervention messages.
// Templates are keyed by the target's template key and support a small set
// of placeholders filled from the subject's contact and course records.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownTemplate is returned when no template set exists for a key.
var ErrUnknownTemplate = errors.New("unknown message template")

// MessageData carries the substitution values for a template.
type MessageData struct {
	FirstName       string
	LastName        string
	CourseShortName string
	CourseURL       string
	BotName         string
}

// templateSet is one subject/body/html triple for a target type.
type templateSet struct {
	subject  string
	body     string
	bodyHTML string
}

// Catalog resolves template keys to rendered message strings.
type Catalog struct {
	botName   string
	templates map[string]templateSet
}

// New returns the catalog with the built-in English templates. botName is
// substituted for the {motbot} placeholder, the persona the messages are
// signed with.
func New(botName string) *Catalog {
	return &Catalog{
		botName: botName,
		templates: map[string]templateSet{
			"no_recent_accesses": {
				subject: "We miss you, {firstname}!",
				body: "Hi {firstname} {lastname},\n\n" +
					"it seems like you haven't accessed the course {course_shortname} recently.\n" +
					"We'd be happy to welcome you back!\n" +
					"Go to course: {course_url}\n\n" +
					"Your {motbot}",
				bodyHTML: "<p>Hi {firstname} {lastname},</p>" +
					"<p>it seems like you haven't accessed the course <strong>{course_shortname}</strong> recently.</p>" +
					"<p>We'd be happy to welcome you back!</p>" +
					"<p>Your {motbot}</p>",
			},
			"course_dropout": {
				subject: "Do you have trouble with {course_shortname}?",
				body: "Hi {firstname} {lastname},\n\n" +
					"it looks like {course_shortname} has been difficult lately.\n" +
					"Maybe a fresh look helps: {course_url}\n\n" +
					"Your {motbot}",
				bodyHTML: "<p>Hi {firstname} {lastname},</p>" +
					"<p>it looks like <strong>{course_shortname}</strong> has been difficult lately.</p>" +
					"<p>Maybe a fresh look helps.</p>" +
					"<p>Your {motbot}</p>",
			},
			"teacher_digest": {
				subject: "Failed intervention: {course_shortname}",
				body: "Student {firstname} {lastname} might need your attention.\n" +
					"Previous automatic interventions were unsuccessful.\n" +
					"Course: {course_url}",
				bodyHTML: "<p>Student {firstname} {lastname} might need your attention.</p>" +
					"<p>Previous automatic interventions were unsuccessful.</p>",
			},
		},
	}
}

// TeacherDigestKey selects the templates for the teacher escalation message.
const TeacherDigestKey = "teacher_digest"

func (c *Catalog) replacer(data MessageData) *strings.Replacer {
	return strings.NewReplacer(
		"{firstname}", data.FirstName,
		"{lastname}", data.LastName,
		"{course_shortname}", data.CourseShortName,
		"{course_url}", data.CourseURL,
		"{motbot}", c.botName,
	)
}

// Subject renders the subject line for a template key.
func (c *Catalog) Subject(key string, data MessageData) (string, error) {
	set, ok := c.templates[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, key)
	}
	return c.replacer(data).Replace(set.subject), nil
}

// Body renders the plain-text body for a template key.
func (c *Catalog) Body(key string, data MessageData) (string, error) {
	set, ok := c.templates[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, key)
	}
	return c.replacer(data).Replace(set.body), nil
}

// BodyHTML renders the HTML body for a template key.
func (c *Catalog) BodyHTML(key string, data MessageData) (string, error) {
	set, ok := c.templates[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTemplate, key)
	}
	return c.replacer(data).Replace(set.bodyHTML), nil
}
