// Package api terminates the two webhook ingress points: chat-platform
// updates authenticated by shared-secret header, and payment-processor
// events authenticated by HMAC-SHA-512 body signature.
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"

	"github.com/chatmarket/chatmarket/internal/chat"
	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/notify"
	"github.com/chatmarket/chatmarket/internal/payment"
)

// ChatSecretHeader carries the shared secret configured with the chat
// platform's webhook registration.
const ChatSecretHeader = "X-Chat-Platform-Secret-Token"

// SignatureHeader carries the processor's HMAC-SHA-512 body signature.
const SignatureHeader = "X-Signature"

var whitespace = regexp.MustCompile(`\s+`)

// ChatWebhookHandler validates the shared-secret header in constant time and
// forwards the update to the chat router. Handler failures surface to
// administrators, never to the chat platform.
func ChatWebhookHandler(secret string, router chat.Router, notifier notify.Port) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		got := r.Header.Get(ChatSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := router.Dispatch(r.Context(), body); err != nil {
			log.Printf("[Webhook] Chat update handling failed: %v", err)
			queueAdminAlert(r.Context(), notifier, fmt.Sprintf("Chat webhook handler error: %v", err))
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ProcessorWebhookHandler authenticates the processor's HMAC signature over
// the whitespace-stripped body and hands the event to the reconciliation
// engine. Once the signature checks out the processor always sees "200";
// otherwise it would retry and cause double-processing.
func ProcessorWebhookHandler(secret string, payments *payment.Service, notifier notify.Port) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		if !verifySignature(secret, body, r.Header.Get(SignatureHeader)) {
			log.Printf("[Webhook] Payment webhook rejected: invalid or missing signature")
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}

		var evt payment.ProcessingPayment
		if err := json.Unmarshal(body, &evt); err != nil {
			log.Printf("[Webhook] Payment webhook payload malformed: %v", err)
			queueAdminAlert(r.Context(), notifier, fmt.Sprintf("Malformed payment webhook payload: %v", err))
			_, _ = w.Write([]byte(`"200"`))
			return
		}
		if _, err := domain.ParseCryptoCurrency(string(evt.CryptoCurrency)); err != nil {
			log.Printf("[Webhook] Payment webhook rejected payload: %v", err)
			queueAdminAlert(r.Context(), notifier, fmt.Sprintf("Payment webhook with unknown currency (id %d): %v", evt.ID, err))
			_, _ = w.Write([]byte(`"200"`))
			return
		}

		if err := payments.HandleProcessorEvent(r.Context(), evt); err != nil {
			log.Printf("[Webhook] Payment event %d handling failed: %v", evt.ID, err)
			queueAdminAlert(r.Context(), notifier, fmt.Sprintf("Payment webhook handler error (id %d): %v", evt.ID, err))
		}

		_, _ = w.Write([]byte(`"200"`))
	}
}

// verifySignature compares hex(HMAC-SHA-512(secret, body-without-whitespace))
// against the header in constant time. A missing header is an auth failure.
func verifySignature(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(whitespace.ReplaceAll(body, nil))
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

func queueAdminAlert(ctx context.Context, notifier notify.Port, msg string) {
	if notifier == nil {
		return
	}
	if err := notifier.NotifyAdmins(ctx, msg); err != nil {
		log.Printf("[Webhook] Failed to queue admin alert: %v", err)
	}
}
