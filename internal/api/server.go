package api

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/chatmarket/chatmarket/internal/chat"
	"github.com/chatmarket/chatmarket/internal/notify"
	"github.com/chatmarket/chatmarket/internal/payment"
)

// NewChatServer builds the HTTP server terminating the chat-platform webhook.
func NewChatServer(addr, webhookPath, secret string, router chat.Router, notifier notify.Port) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(webhookPath, otelhttp.NewHandler(ChatWebhookHandler(secret, router, notifier), "chat-webhook"))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewProcessorServer builds the HTTP server terminating the payment-processor
// webhook at {webhookPath}/cryptoprocessing/event.
func NewProcessorServer(addr, webhookPath, secret string, payments *payment.Service, notifier notify.Port) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(webhookPath+"/cryptoprocessing/event",
		otelhttp.NewHandler(ProcessorWebhookHandler(secret, payments, notifier), "processor-webhook"))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
