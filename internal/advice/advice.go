// Package advice builds and renders ephemeral nudge suggestions. An Advice
// is a title plus an ordered action list; it is constructed fresh from live
// queries and never persisted.
package advice

// Action is one suggested call to action.
type Action struct {
	Title string `json:"action_title"`
	URL   string `json:"action_url"`
	Label string `json:"action_label"`
}

// Advice is a renderable suggestion: a title and a bounded, ordered list of
// actions. Renderers are read-only views over this data.
type Advice struct {
	Title   string   `json:"title"`
	Actions []Action `json:"actions"`
}
