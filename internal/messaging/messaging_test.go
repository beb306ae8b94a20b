package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// stubSender answers a fixed channel set with a fixed receipt
type stubSender struct {
	channels map[string]bool
	receipt  string
	sent     []*Message
}

func (s *stubSender) Send(ctx context.Context, channel string, msg *Message) (string, error) {
	s.sent = append(s.sent, msg)
	return s.receipt, nil
}

func (s *stubSender) SupportsChannel(channel string) bool {
	return s.channels[channel]
}

func TestMultiSender_RoutesByChannel(t *testing.T) {
	email := &stubSender{channels: map[string]bool{ChannelEmail: true}, receipt: "email-1"}
	sms := &stubSender{channels: map[string]bool{ChannelSMS: true}, receipt: "sms-1"}
	multi := NewMultiSender(zap.NewNop(), email, sms)

	receipt, err := multi.Send(context.Background(), ChannelSMS, &Message{To: "+4915112345678"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt != "sms-1" {
		t.Errorf("unexpected receipt %q", receipt)
	}
	if len(email.sent) != 0 || len(sms.sent) != 1 {
		t.Errorf("message routed to wrong sender: email=%d sms=%d", len(email.sent), len(sms.sent))
	}
}

func TestMultiSender_FirstSupportingSenderWins(t *testing.T) {
	first := &stubSender{channels: map[string]bool{ChannelEmail: true}, receipt: "first"}
	second := &stubSender{channels: map[string]bool{ChannelEmail: true}, receipt: "second"}
	multi := NewMultiSender(zap.NewNop(), first, second)

	receipt, err := multi.Send(context.Background(), ChannelEmail, &Message{To: "a@b.c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt != "first" {
		t.Errorf("expected first sender to win, got %q", receipt)
	}
}

func TestMultiSender_NoSenderForChannel(t *testing.T) {
	email := &stubSender{channels: map[string]bool{ChannelEmail: true}}
	multi := NewMultiSender(zap.NewNop(), email)

	if _, err := multi.Send(context.Background(), ChannelChat, &Message{To: "12345"}); err == nil {
		t.Fatal("expected an error for an unsupported channel")
	}
	if multi.SupportsChannel(ChannelChat) {
		t.Error("chat must not be reported as supported")
	}
	if !multi.SupportsChannel(ChannelEmail) {
		t.Error("email must be reported as supported")
	}
}

func TestLogSender(t *testing.T) {
	s := NewLogSender(zap.NewNop())

	receipt, err := s.Send(context.Background(), ChannelEmail, &Message{To: "student@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt != "log:email:student@example.com" {
		t.Errorf("unexpected receipt %q", receipt)
	}

	for _, channel := range []string{ChannelEmail, ChannelSMS, ChannelChat} {
		if !s.SupportsChannel(channel) {
			t.Errorf("log sender must support %s", channel)
		}
	}
}

func TestChatSender(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sendMessage" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":8821}}`))
	}))
	defer server.Close()

	s := NewChatSender(zap.NewNop(), ChatConfig{BaseURL: server.URL})

	msg := &Message{
		To:       "12345",
		Subject:  "We miss you, Ada!",
		Body:     "Come back to CS101.",
		Keyboard: `{"inline_keyboard":[[{"text":"Go to course","url":"http://moodle.local/course/view.php?id=101"}]]}`,
	}

	receipt, err := s.Send(context.Background(), ChannelChat, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt != "chat:8821" {
		t.Errorf("unexpected receipt %q", receipt)
	}

	if got.ChatID != "12345" {
		t.Errorf("unexpected chat id %q", got.ChatID)
	}
	if got.ParseMode != "Markdown" {
		t.Errorf("unexpected parse mode %q", got.ParseMode)
	}
	if !strings.HasPrefix(got.Text, "We miss you, Ada!\n\n") {
		t.Errorf("expected subject and body joined, got %q", got.Text)
	}
	if !strings.Contains(got.ReplyMarkup, "inline_keyboard") {
		t.Errorf("keyboard markup not forwarded: %q", got.ReplyMarkup)
	}
}

func TestChatSender_RejectsOtherChannels(t *testing.T) {
	s := NewChatSender(zap.NewNop(), ChatConfig{BaseURL: "http://localhost:9"})

	if _, err := s.Send(context.Background(), ChannelEmail, &Message{To: "a@b.c"}); err == nil {
		t.Fatal("expected an error for the email channel")
	}
	if s.SupportsChannel(ChannelEmail) || !s.SupportsChannel(ChannelChat) {
		t.Error("chat sender supports exactly the chat channel")
	}
}

func TestChatSender_MissingChatID(t *testing.T) {
	s := NewChatSender(zap.NewNop(), ChatConfig{BaseURL: "http://localhost:9"})

	if _, err := s.Send(context.Background(), ChannelChat, &Message{Subject: "hi"}); err == nil {
		t.Fatal("expected an error for a missing chat id")
	}
}

func TestChatSender_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"ok":false}`))
	}))
	defer server.Close()

	s := NewChatSender(zap.NewNop(), ChatConfig{BaseURL: server.URL})

	if _, err := s.Send(context.Background(), ChannelChat, &Message{To: "12345", Subject: "hi"}); err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
}

func TestChatSender_RejectedMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false}`))
	}))
	defer server.Close()

	s := NewChatSender(zap.NewNop(), ChatConfig{BaseURL: server.URL})

	if _, err := s.Send(context.Background(), ChannelChat, &Message{To: "12345", Subject: "hi"}); err == nil {
		t.Fatal("expected an error when the bot rejects the message")
	}
}
