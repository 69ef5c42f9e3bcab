package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/chatmarket/chatmarket/internal/api"
	"github.com/chatmarket/chatmarket/internal/backup"
	"github.com/chatmarket/chatmarket/internal/catalog"
	"github.com/chatmarket/chatmarket/internal/chat"
	appconfig "github.com/chatmarket/chatmarket/internal/config"
	"github.com/chatmarket/chatmarket/internal/events"
	"github.com/chatmarket/chatmarket/internal/notify"
	"github.com/chatmarket/chatmarket/internal/order"
	"github.com/chatmarket/chatmarket/internal/payment"
	"github.com/chatmarket/chatmarket/internal/ratelimit"
	"github.com/chatmarket/chatmarket/internal/sched"
	"github.com/chatmarket/chatmarket/internal/shipping"
	postgres "github.com/chatmarket/chatmarket/internal/storage/postgres"
	"github.com/chatmarket/chatmarket/internal/strikes"
	"github.com/chatmarket/chatmarket/internal/telemetry"
)

func newLogger(cfg appconfig.Config) *log.Logger {
	prefix := ""
	if cfg.ServiceName != "" {
		prefix = fmt.Sprintf("[%s] ", cfg.ServiceName)
	}
	logger := log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds)
	log.SetOutput(os.Stdout)
	log.SetFlags(logger.Flags())
	log.SetPrefix(prefix)
	return logger
}

func setupTelemetry(lc fx.Lifecycle, cfg appconfig.Config) {
	var cleanup func()
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			cleanup = telemetry.InitTracer(cfg.ServiceName)
			return nil
		},
		OnStop: func(context.Context) error {
			if cleanup != nil {
				cleanup()
			}
			return nil
		},
	})
}

func newSQLDB(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger) (*sql.DB, error) {
	logger.Printf("Connecting to PostgreSQL database %s@%s:%d", cfg.Database.Database, cfg.Database.Host, cfg.Database.Port)
	db, err := postgres.OpenDatabase(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

func newRepository(db *sql.DB) *postgres.Repository {
	return postgres.NewRepository(db)
}

func newProducer(lc fx.Lifecycle, cfg appconfig.Config) *events.Producer {
	prod := events.NewProducer(cfg.Kafka.Brokers)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return prod.Close()
		},
	})
	return prod
}

func newNotifier(cfg appconfig.Config, prod *events.Producer) notify.Port {
	return notify.NewKafkaPort(prod, cfg.Kafka.NotificationsTopic)
}

func newRedis(lc fx.Lifecycle, cfg appconfig.Config) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return rdb.Close()
		},
	})
	return rdb
}

func newEnforcer(cfg appconfig.Config, notifier notify.Port) *strikes.Enforcer {
	return strikes.NewEnforcer(strikes.Config{
		MaxStrikesBeforeBan: cfg.Strikes.MaxStrikesBeforeBan,
		ExemptAdminsFromBan: cfg.Strikes.ExemptAdminsFromBan,
		UnbanTopUpAmount:    cfg.Strikes.UnbanTopUpAmount,
	}, notifier, cfg.IsAdmin)
}

func newOrderService(cfg appconfig.Config, repo *postgres.Repository, clock clockwork.Clock,
	enforcer *strikes.Enforcer, notifier notify.Port, cipher *shipping.Cipher, prod *events.Producer) *order.Service {
	return order.NewService(repo, clock, order.Config{
		TimeoutMinutes:     cfg.Order.TimeoutMinutes,
		GracePeriodMinutes: cfg.Order.CancelGracePeriodMinutes,
		LatePenaltyPercent: cfg.Payment.LatePenaltyPercent,
		Currency:           cfg.Currency,
		OrdersTopic:        cfg.Kafka.OrdersTopic,
	}, enforcer, notifier, cipher, prod)
}

func newPaymentService(cfg appconfig.Config, repo *postgres.Repository, clock clockwork.Clock,
	orders *order.Service, enforcer *strikes.Enforcer, notifier notify.Port, prod *events.Producer) *payment.Service {
	processor := payment.NewHTTPProcessorClient(cfg.Processor.APIURL, cfg.Processor.APIKey)
	return payment.NewService(repo, clock, payment.Config{
		ToleranceOverpaymentPercent:     cfg.Payment.ToleranceOverpaymentPercent,
		UnderpaymentRetryEnabled:        cfg.Payment.UnderpaymentRetryEnabled,
		UnderpaymentRetryTimeoutMinutes: cfg.Payment.UnderpaymentRetryTimeoutMinutes,
		UnderpaymentPenaltyPercent:      cfg.Payment.UnderpaymentPenaltyPercent,
		LatePenaltyPercent:              cfg.Payment.LatePenaltyPercent,
		Currency:                        cfg.Currency,
		PaymentsTopic:                   cfg.Kafka.PaymentsTopic,
	}, processor, orders, enforcer, notifier, prod)
}

func newChatRouter(catalogSvc *catalog.Service, limiter *ratelimit.Limiter) chat.Router {
	return chat.NewService(catalogSvc, limiter)
}

func registerWebServers(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger, shutdowner fx.Shutdowner,
	router chat.Router, payments *payment.Service, notifier notify.Port) {

	chatServer := api.NewChatServer(cfg.HTTP.ChatAddr, cfg.HTTP.WebhookPath, cfg.Chat.WebhookSecret, router, notifier)
	processorServer := api.NewProcessorServer(cfg.HTTP.ProcessorAddr, cfg.HTTP.WebhookPath, cfg.Processor.WebhookSecret, payments, notifier)

	for _, srv := range []*http.Server{chatServer, processorServer} {
		srv := srv
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					logger.Printf("Webhook server listening on %s", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Printf("Webhook server error: %v", err)
						_ = shutdowner.Shutdown()
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
		})
	}
}

func registerScheduler(lc fx.Lifecycle, cfg appconfig.Config, repo *postgres.Repository,
	orders *order.Service, clock clockwork.Clock) {

	job := sched.NewTimeoutJob(repo, orders, clock, time.Duration(cfg.Order.SweepIntervalSeconds)*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				job.Run(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

func registerBackupWorker(lc fx.Lifecycle, cfg appconfig.Config, logger *log.Logger,
	notifier notify.Port, clock clockwork.Clock) error {

	worker, err := backup.NewWorker(backup.Config{
		Enabled:       cfg.Backup.Enabled,
		Interval:      time.Duration(cfg.Backup.IntervalHours) * time.Hour,
		RetentionDays: cfg.Backup.RetentionDays,
		Directory:     cfg.Backup.Directory,
		PublicKeyPath: cfg.Backup.PublicKeyPath,
		DatabaseURL:   cfg.Database.ConnString(),
	}, notifier, clock)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				worker.Run(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
	return nil
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
			newLogger,
			newSQLDB,
			newRepository,
			newProducer,
			newNotifier,
			newRedis,
			newEnforcer,
			newOrderService,
			newPaymentService,
			newChatRouter,
			func() clockwork.Clock { return clockwork.NewRealClock() },
			func(rdb *redis.Client) *ratelimit.Limiter { return ratelimit.NewLimiter(rdb) },
			func(repo *postgres.Repository) *catalog.Service { return catalog.NewService(repo) },
			func() *shipping.Cipher {
				return shipping.NewCipher(cfg.Shipping.EncryptionSecret, cfg.Shipping.PGPPublicKeyPath)
			},
		),
		fx.Invoke(
			setupTelemetry,
			registerWebServers,
			registerScheduler,
			registerBackupWorker,
		),
	)

	app.Run()
}
