package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/secrets"
	postgres "github.com/chatmarket/chatmarket/internal/storage/postgres"
)

const minSecretLength = 32

// Config aggregates runtime configuration grouped by concern.
type Config struct {
	ServiceName string
	HTTP        HTTPConfig
	Kafka       KafkaConfig
	Database    postgres.DatabaseConfig
	Redis       RedisConfig
	Order       OrderConfig
	Payment     PaymentConfig
	Strikes     StrikeConfig
	Backup      BackupConfig
	Processor   ProcessorConfig
	Chat        ChatConfig
	Shipping    ShippingConfig
	Currency    string

	secretsLoaded bool
	usingOpenBao  bool
}

type HTTPConfig struct {
	ChatAddr      string
	ProcessorAddr string
	WebhookPath   string
}

type KafkaConfig struct {
	Brokers            []string
	OrdersTopic        string
	PaymentsTopic      string
	NotificationsTopic string
	NotifyGroup        string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type OrderConfig struct {
	TimeoutMinutes           int
	CancelGracePeriodMinutes int
	SweepIntervalSeconds     int
}

type PaymentConfig struct {
	ToleranceOverpaymentPercent     decimal.Decimal
	UnderpaymentRetryEnabled        bool
	UnderpaymentRetryTimeoutMinutes int
	UnderpaymentPenaltyPercent      decimal.Decimal
	LatePenaltyPercent              decimal.Decimal
}

type StrikeConfig struct {
	MaxStrikesBeforeBan int
	ExemptAdminsFromBan bool
	UnbanTopUpAmount    decimal.Decimal
}

type BackupConfig struct {
	Enabled       bool
	IntervalHours int
	RetentionDays int
	Directory     string
	PublicKeyPath string
}

// ProcessorConfig holds the payment-processor API credentials. The webhook
// secret signs inbound event bodies with HMAC-SHA-512.
type ProcessorConfig struct {
	APIURL        string
	APIKey        string
	WebhookSecret string
}

// ChatConfig holds the chat-platform API credentials and the shared secret
// expected on the chat webhook header.
type ChatConfig struct {
	APIURL        string
	BotToken      string
	WebhookSecret string
	AdminIDs      []int64
}

type ShippingConfig struct {
	EncryptionSecret string
	PGPPublicKeyPath string
}

// Load reads configuration from environment variables and OpenBao. Secrets
// come from OpenBao when available and fall back to the environment.
// Validation is fail-fast: the caller exits the process on error.
func Load() (Config, error) {
	cfg := Config{
		ServiceName: getEnv("SERVICE_NAME", "chatmarket"),
		HTTP: HTTPConfig{
			ChatAddr:      getEnv("HTTP_CHAT_LISTEN_ADDR", ":3000"),
			ProcessorAddr: getEnv("HTTP_PROCESSOR_LISTEN_ADDR", ":3001"),
			WebhookPath:   getEnv("WEBHOOK_PATH", "/webhook"),
		},
		Kafka: KafkaConfig{
			Brokers:            splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
			OrdersTopic:        getEnv("KAFKA_ORDERS_TOPIC", "orders.v1"),
			PaymentsTopic:      getEnv("KAFKA_PAYMENTS_TOPIC", "payments.v1"),
			NotificationsTopic: getEnv("KAFKA_NOTIFICATIONS_TOPIC", "notifications.v1"),
			NotifyGroup:        getEnv("KAFKA_NOTIFY_GROUP_ID", "notify-workers"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
		},
		Currency: getEnv("CURRENCY", "EUR"),
	}

	var err error
	if cfg.Database, err = loadDatabase(); err != nil {
		return Config{}, err
	}
	if cfg.Order, err = loadOrder(); err != nil {
		return Config{}, err
	}
	if cfg.Payment, err = loadPayment(); err != nil {
		return Config{}, err
	}
	if cfg.Strikes, err = loadStrikes(); err != nil {
		return Config{}, err
	}
	if cfg.Backup, err = loadBackup(); err != nil {
		return Config{}, err
	}
	if err = loadCryptoDecimals(); err != nil {
		return Config{}, err
	}

	cfg.Processor.APIURL = getEnv("PROCESSOR_API_URL", "https://api.kryptoexpress.pro/api")
	cfg.Chat.APIURL = getEnv("CHAT_API_URL", "https://api.telegram.org")
	cfg.Chat.AdminIDs, err = parseIDList(os.Getenv("ADMIN_ID_LIST"))
	if err != nil {
		return Config{}, fmt.Errorf("parse ADMIN_ID_LIST: %w", err)
	}
	cfg.Shipping.PGPPublicKeyPath = os.Getenv("SHIPPING_PGP_PUBLIC_KEY_PATH")

	// Try to load secrets from OpenBao first, fall back to environment variables.
	if err := cfg.loadSecretsFromOpenBao(); err != nil {
		log.Printf("OpenBao unavailable (%v), falling back to environment variables", err)
		cfg.loadSecretsFromEnv()
	}

	if err := cfg.validateSecrets(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadDatabase() (postgres.DatabaseConfig, error) {
	portStr := getEnv("SHOP_DB_PORT", "5432")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return postgres.DatabaseConfig{}, fmt.Errorf("parse SHOP_DB_PORT: %w", err)
	}
	return postgres.DatabaseConfig{
		Host:     getEnv("SHOP_DB_HOST", "localhost"),
		Port:     port,
		Database: getEnv("SHOP_DB_NAME", "chatmarket"),
		User:     getEnv("SHOP_DB_USER", "chatmarketadmin"),
		Password: os.Getenv("SHOP_DB_PASSWORD"),
	}, nil
}

func loadOrder() (OrderConfig, error) {
	timeout, err := getEnvInt("ORDER_TIMEOUT_MINUTES", 60)
	if err != nil {
		return OrderConfig{}, err
	}
	grace, err := getEnvInt("ORDER_CANCEL_GRACE_PERIOD_MINUTES", 5)
	if err != nil {
		return OrderConfig{}, err
	}
	sweep, err := getEnvInt("ORDER_SWEEP_INTERVAL_SECONDS", 60)
	if err != nil {
		return OrderConfig{}, err
	}
	return OrderConfig{
		TimeoutMinutes:           timeout,
		CancelGracePeriodMinutes: grace,
		SweepIntervalSeconds:     sweep,
	}, nil
}

func loadPayment() (PaymentConfig, error) {
	tolerance, err := getEnvDecimal("PAYMENT_TOLERANCE_OVERPAYMENT_PERCENT", "5")
	if err != nil {
		return PaymentConfig{}, err
	}
	retryTimeout, err := getEnvInt("PAYMENT_UNDERPAYMENT_RETRY_TIMEOUT_MINUTES", 30)
	if err != nil {
		return PaymentConfig{}, err
	}
	underPenalty, err := getEnvDecimal("PAYMENT_UNDERPAYMENT_PENALTY_PERCENT", "10")
	if err != nil {
		return PaymentConfig{}, err
	}
	latePenalty, err := getEnvDecimal("PAYMENT_LATE_PENALTY_PERCENT", "10")
	if err != nil {
		return PaymentConfig{}, err
	}
	return PaymentConfig{
		ToleranceOverpaymentPercent:     tolerance,
		UnderpaymentRetryEnabled:        getEnvBool("PAYMENT_UNDERPAYMENT_RETRY_ENABLED", true),
		UnderpaymentRetryTimeoutMinutes: retryTimeout,
		UnderpaymentPenaltyPercent:      underPenalty,
		LatePenaltyPercent:              latePenalty,
	}, nil
}

func loadStrikes() (StrikeConfig, error) {
	maxStrikes, err := getEnvInt("MAX_STRIKES_BEFORE_BAN", 3)
	if err != nil {
		return StrikeConfig{}, err
	}
	unban, err := getEnvDecimal("UNBAN_TOP_UP_AMOUNT", "50")
	if err != nil {
		return StrikeConfig{}, err
	}
	return StrikeConfig{
		MaxStrikesBeforeBan: maxStrikes,
		ExemptAdminsFromBan: getEnvBool("EXEMPT_ADMINS_FROM_BAN", true),
		UnbanTopUpAmount:    unban,
	}, nil
}

func loadBackup() (BackupConfig, error) {
	interval, err := getEnvInt("DB_BACKUP_INTERVAL_HOURS", 6)
	if err != nil {
		return BackupConfig{}, err
	}
	retention, err := getEnvInt("DB_BACKUP_RETENTION_DAYS", 7)
	if err != nil {
		return BackupConfig{}, err
	}
	return BackupConfig{
		Enabled:       getEnvBool("DB_BACKUP_ENABLED", true),
		IntervalHours: interval,
		RetentionDays: retention,
		Directory:     getEnv("DB_BACKUP_DIR", "./backups"),
		PublicKeyPath: os.Getenv("DB_BACKUP_PUBLIC_KEY_PATH"),
	}, nil
}

// loadCryptoDecimals applies CRYPTO_DECIMALS_* overrides to the currency table.
func loadCryptoDecimals() error {
	for _, c := range []domain.CryptoCurrency{
		domain.BTC, domain.LTC, domain.ETH, domain.SOL, domain.BNB,
		domain.USDTTRC20, domain.USDTERC20, domain.USDCERC20,
	} {
		key := "CRYPTO_DECIMALS_" + string(c)
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		places, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		domain.SetDecimals(c, int32(places))
	}
	return nil
}

// loadSecretsFromOpenBao attempts to load all secrets from OpenBao.
func (c *Config) loadSecretsFromOpenBao() error {
	client, err := secrets.NewClient()
	if err != nil {
		return err
	}

	chatSecret, err := client.Get("secret/data/chatmarket/chat", "CHAT_WEBHOOK_SECRET")
	if err != nil {
		return fmt.Errorf("failed to load chat webhook secret: %w", err)
	}
	botToken, err := client.Get("secret/data/chatmarket/chat", "CHAT_BOT_TOKEN")
	if err != nil {
		return fmt.Errorf("failed to load chat bot token: %w", err)
	}
	processorKey, err := client.Get("secret/data/chatmarket/processor", "PROCESSOR_API_KEY")
	if err != nil {
		return fmt.Errorf("failed to load processor API key: %w", err)
	}
	processorSecret, err := client.Get("secret/data/chatmarket/processor", "PROCESSOR_WEBHOOK_SECRET")
	if err != nil {
		return fmt.Errorf("failed to load processor webhook secret: %w", err)
	}
	shippingSecret, err := client.Get("secret/data/chatmarket/shipping", "SHIPPING_ENCRYPTION_SECRET")
	if err != nil {
		return fmt.Errorf("failed to load shipping encryption secret: %w", err)
	}
	dbPassword, err := client.Get("secret/data/chatmarket/database", "SHOP_DB_PASSWORD")
	if err != nil {
		return fmt.Errorf("failed to load database password: %w", err)
	}

	c.Chat.WebhookSecret = chatSecret
	c.Chat.BotToken = botToken
	c.Processor.APIKey = processorKey
	c.Processor.WebhookSecret = processorSecret
	c.Shipping.EncryptionSecret = shippingSecret
	c.Database.Password = dbPassword

	c.secretsLoaded = true
	c.usingOpenBao = true

	log.Println("Secrets loaded successfully from OpenBao")
	return nil
}

// loadSecretsFromEnv loads secrets from environment variables as fallback.
func (c *Config) loadSecretsFromEnv() {
	c.Chat.WebhookSecret = os.Getenv("CHAT_WEBHOOK_SECRET")
	c.Chat.BotToken = os.Getenv("CHAT_BOT_TOKEN")
	c.Processor.APIKey = os.Getenv("PROCESSOR_API_KEY")
	c.Processor.WebhookSecret = os.Getenv("PROCESSOR_WEBHOOK_SECRET")
	c.Shipping.EncryptionSecret = os.Getenv("SHIPPING_ENCRYPTION_SECRET")
	// Database password already loaded in loadDatabase.

	c.secretsLoaded = true
	c.usingOpenBao = false

	log.Println("Secrets loaded from environment variables")
}

// validateSecrets enforces the minimum secret strength. Weak or missing
// webhook and encryption secrets are fatal.
func (c *Config) validateSecrets() error {
	checks := []struct {
		name  string
		value string
	}{
		{"CHAT_WEBHOOK_SECRET", c.Chat.WebhookSecret},
		{"PROCESSOR_WEBHOOK_SECRET", c.Processor.WebhookSecret},
		{"SHIPPING_ENCRYPTION_SECRET", c.Shipping.EncryptionSecret},
	}
	for _, check := range checks {
		if len(check.value) < minSecretLength {
			return fmt.Errorf("%s must be at least %d characters (got %d)",
				check.name, minSecretLength, len(check.value))
		}
	}
	return nil
}

// IsUsingOpenBao returns true if secrets were loaded from OpenBao.
func (c *Config) IsUsingOpenBao() bool {
	return c.usingOpenBao
}

// IsAdmin reports whether the external chat id belongs to an administrator.
func (c *Config) IsAdmin(externalID int64) bool {
	for _, id := range c.Chat.AdminIDs {
		if id == externalID {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	return raw == "1" || raw == "true" || raw == "yes"
}

func getEnvDecimal(key, fallback string) (decimal.Decimal, error) {
	raw := getEnv(key, fallback)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func parseIDList(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		id, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	var out []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
