package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ChatSender delivers the chat channel by posting messages to a chat-bot
// HTTP API.
type ChatSender struct {
	client  *http.Client
	baseURL string
	logger  *zap.Logger
}

type ChatConfig struct {
	// BaseURL is the bot API endpoint messages are posted to.
	BaseURL string
	Timeout time.Duration
}

// NewChatSender creates a new chat-bot sender
func NewChatSender(logger *zap.Logger, cfg ChatConfig) *ChatSender {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &ChatSender{
		client:  &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// chatRequest is the wire payload for the bot API. The reply_markup field
// carries the serialized inline keyboard; its nested row shape is part of
// the bot API contract.
type chatRequest struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ParseMode   string `json:"parse_mode"`
	ReplyMarkup string `json:"reply_markup,omitempty"`
}

type chatResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

// Send posts an intervention message to the chat-bot API. The bot message id
// is returned as the delivery receipt.
func (s *ChatSender) Send(ctx context.Context, channel string, msg *Message) (string, error) {
	if channel != ChannelChat {
		return "", fmt.Errorf("chat sender only supports chat, got: %s", channel)
	}
	if msg.To == "" {
		return "", fmt.Errorf("chat message missing chat id")
	}

	text := msg.Subject
	if msg.Body != "" {
		text = msg.Subject + "\n\n" + msg.Body
	}

	body, err := json.Marshal(chatRequest{
		ChatID:      msg.To,
		Text:        text,
		ParseMode:   "Markdown",
		ReplyMarkup: msg.Keyboard,
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sendMessage", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Motiva/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, string(respBytes))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBytes, &parsed); err != nil || !parsed.OK {
		return "", fmt.Errorf("chat API rejected message: %s", string(respBytes))
	}

	receipt := fmt.Sprintf("chat:%d", parsed.Result.MessageID)

	s.logger.Info("chat message delivered",
		zap.String("chat_id", msg.To),
		zap.String("receipt", receipt),
	)

	return receipt, nil
}

// SupportsChannel checks if this sender supports the chat channel
func (s *ChatSender) SupportsChannel(channel string) bool {
	return channel == ChannelChat
}
