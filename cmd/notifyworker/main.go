// The notify worker drains the notifications topic and delivers each queued
// message to the chat platform. Delivery failures are isolated per message so
// one unreachable chat never stalls the queue.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"go.uber.org/fx"

	appconfig "github.com/chatmarket/chatmarket/internal/config"
	"github.com/chatmarket/chatmarket/internal/events"
	"github.com/chatmarket/chatmarket/internal/notify"
)

func newWorkerLogger(cfg appconfig.Config) *log.Logger {
	prefix := fmt.Sprintf("[%s-notify-worker] ", cfg.ServiceName)
	logger := log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
	log.SetOutput(os.Stdout)
	log.SetFlags(logger.Flags())
	log.SetPrefix(prefix)
	return logger
}

func newChatSender(cfg appconfig.Config) *notify.ChatSender {
	return notify.NewChatSender(cfg.Chat.APIURL, cfg.Chat.BotToken, cfg.Chat.AdminIDs)
}

func registerNotifyConsumer(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger,
	sender *notify.ChatSender, shutdowner fx.Shutdowner) {

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.NotificationsTopic,
		GroupID:  cfg.Kafka.NotifyGroup,
		MinBytes: 1e3, MaxBytes: 10e6,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := runNotifyConsumer(ctx, reader, logger, sender); err != nil {
					logger.Printf("notify worker stopped with error: %v", err)
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			_ = reader.Close()
			<-done
			return nil
		},
	})
}

func runNotifyConsumer(ctx context.Context, reader *kafka.Reader, logger *log.Logger, sender *notify.ChatSender) error {
	logger.Printf("Notify worker consuming topic=%s group=%s", reader.Config().Topic, reader.Config().GroupID)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		var evt events.Envelope
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			logger.Printf("bad json: %v; payload=%s", err, string(msg.Value))
			continue
		}
		if evt.EventType != events.TypeNotification {
			continue
		}

		raw, err := json.Marshal(evt.Data)
		if err != nil {
			logger.Printf("re-encode notification data: %v", err)
			continue
		}
		var notification notify.Message
		if err := json.Unmarshal(raw, &notification); err != nil {
			logger.Printf("decode notification: %v", err)
			continue
		}

		if err := sender.Deliver(ctx, notification); err != nil {
			logger.Printf("delivery failed (target=%d admins=%t): %v",
				notification.TargetID, notification.ToAdmins, err)
			continue
		}
		logger.Printf("delivered notification (target=%d admins=%t)", notification.TargetID, notification.ToAdmins)
	}
}

func main() {
	_ = godotenv.Load()

	cfg, err := appconfig.Load()
	if err != nil {
		log.Printf("FATAL: invalid configuration: %v", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.Supply(cfg),
		fx.Provide(
			newWorkerLogger,
			newChatSender,
		),
		fx.Invoke(registerNotifyConsumer),
	)

	app.Run()
}
