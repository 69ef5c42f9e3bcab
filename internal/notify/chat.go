package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ChatSender delivers messages through the chat platform's HTTP API. Used by
// the notify worker, never by the core services directly.
type ChatSender struct {
	apiURL   string
	botToken string
	adminIDs []int64
	client   *http.Client
}

func NewChatSender(apiURL, botToken string, adminIDs []int64) *ChatSender {
	return &ChatSender{
		apiURL:   apiURL,
		botToken: botToken,
		adminIDs: adminIDs,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Deliver routes a queued message to its target chat(s). Per-admin failures
// are logged and do not stop delivery to the remaining admins.
func (s *ChatSender) Deliver(ctx context.Context, msg Message) error {
	if msg.ToAdmins {
		var firstErr error
		for _, id := range s.adminIDs {
			if err := s.send(ctx, id, msg.Text); err != nil {
				log.Printf("[Notify] failed to deliver to admin %d: %v", id, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	}
	return s.send(ctx, msg.TargetID, msg.Text)
}

func (s *ChatSender) send(ctx context.Context, chatID int64, text string) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	b, _ := json.Marshal(payload)

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("sendMessage status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
