// Package chat bridges validated chat-platform updates into the core. The
// conversational UI (menus, localization, keyboards) is an external
// collaborator; this router only guarantees user existence, ban screening,
// and rate limiting before handing off.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/chatmarket/chatmarket/internal/catalog"
	"github.com/chatmarket/chatmarket/internal/ratelimit"
)

// Router consumes one opaque chat-update JSON object.
type Router interface {
	Dispatch(ctx context.Context, update []byte) error
}

const (
	updateRateMax    = 30
	updateRateWindow = time.Minute
)

// Service is the default router: it creates users on first contact, drops
// updates from blocked users, and applies the per-user update rate limit.
type Service struct {
	catalog *catalog.Service
	limiter *ratelimit.Limiter // nil disables rate limiting
}

func NewService(catalog *catalog.Service, limiter *ratelimit.Limiter) *Service {
	return &Service{catalog: catalog, limiter: limiter}
}

// update is the subset of the chat-platform update we interpret here.
type update struct {
	Message *struct {
		From *sender `json:"from"`
	} `json:"message"`
	CallbackQuery *struct {
		From *sender `json:"from"`
	} `json:"callback_query"`
}

type sender struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (s *Service) Dispatch(ctx context.Context, raw []byte) error {
	var upd update
	if err := json.Unmarshal(raw, &upd); err != nil {
		return fmt.Errorf("decode chat update: %w", err)
	}

	from := upd.sender()
	if from == nil {
		log.Printf("[Chat] Update without sender - ignoring")
		return nil
	}

	if s.limiter != nil {
		limited, current, _ := s.limiter.IsRateLimited(ctx, "chat_update", from.ID, updateRateMax, updateRateWindow)
		if limited {
			log.Printf("[Chat] Rate limited user %d (%d updates in window)", from.ID, current)
			return nil
		}
	}

	user, err := s.catalog.EnsureUser(ctx, from.ID, from.Username)
	if err != nil {
		return fmt.Errorf("ensure user %d: %w", from.ID, err)
	}
	if user.IsBlocked {
		log.Printf("[Chat] Dropping update from blocked user %d", from.ID)
		return nil
	}

	// Conversational routing happens in the bot layer; the core's job ends
	// once the update is attributed to a known, unblocked user.
	return nil
}

func (u *update) sender() *sender {
	if u.Message != nil && u.Message.From != nil {
		return u.Message.From
	}
	if u.CallbackQuery != nil && u.CallbackQuery.From != nil {
		return u.CallbackQuery.From
	}
	return nil
}
