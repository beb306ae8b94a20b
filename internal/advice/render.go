package advice

import (
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
)

// RenderPlain renders the advice as plain text: the title line followed by
// one "<action title>: <url>" line per action.
func RenderPlain(a *Advice) string {
	var b strings.Builder
	b.WriteString(a.Title)
	for _, action := range a.Actions {
		b.WriteString("\n")
		b.WriteString(action.Title)
		b.WriteString(": ")
		b.WriteString(action.URL)
	}
	return b.String()
}

var htmlTmpl = template.Must(template.New("advice").Parse(`<div class="advice">
<h4>{{.Title}}</h4>
<ul>
{{- range .Actions}}
<li><a href="{{.URL}}">{{.Title}}</a> &mdash; {{.Label}}</li>
{{- end}}
</ul>
</div>`))

// RenderHTML renders the advice as an HTML fragment.
func RenderHTML(a *Advice) (string, error) {
	var b strings.Builder
	if err := htmlTmpl.Execute(&b, a); err != nil {
		return "", fmt.Errorf("render advice html: %w", err)
	}
	return b.String(), nil
}

// ChatButton is one inline-keyboard button.
type ChatButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// InlineKeyboard is the nested button layout consumed by the chat-bot API.
// The shape — an array of rows, each holding exactly one button — is a
// serialization contract and must not change.
type InlineKeyboard struct {
	InlineKeyboard [][]ChatButton `json:"inline_keyboard"`
}

// ChatMessage is the structured payload for the chat-bot interface.
type ChatMessage struct {
	Text        string `json:"text"`
	ParseMode   string `json:"parse_mode"`
	ReplyMarkup string `json:"reply_markup"`
}

// RenderChat renders the advice as a chat-bot message with one button row
// per action.
func RenderChat(a *Advice) (*ChatMessage, error) {
	buttons := make([][]ChatButton, 0, len(a.Actions))
	for _, action := range a.Actions {
		buttons = append(buttons, []ChatButton{
			{Text: action.Title, URL: action.URL},
		})
	}

	markup, err := json.Marshal(InlineKeyboard{InlineKeyboard: buttons})
	if err != nil {
		return nil, fmt.Errorf("marshal inline keyboard: %w", err)
	}

	return &ChatMessage{
		Text:        a.Title,
		ParseMode:   "Markdown",
		ReplyMarkup: string(markup),
	}, nil
}
