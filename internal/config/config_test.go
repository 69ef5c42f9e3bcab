package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setValidSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("CHAT_WEBHOOK_SECRET", strings.Repeat("a", 32))
	t.Setenv("CHAT_BOT_TOKEN", "123:token")
	t.Setenv("PROCESSOR_API_KEY", "key")
	t.Setenv("PROCESSOR_WEBHOOK_SECRET", strings.Repeat("b", 32))
	t.Setenv("SHIPPING_ENCRYPTION_SECRET", strings.Repeat("c", 32))
}

func TestLoadDefaults(t *testing.T) {
	setValidSecrets(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "chatmarket", cfg.ServiceName)
	assert.Equal(t, ":3000", cfg.HTTP.ChatAddr)
	assert.Equal(t, ":3001", cfg.HTTP.ProcessorAddr)
	assert.Equal(t, 60, cfg.Order.TimeoutMinutes)
	assert.Equal(t, 60, cfg.Order.SweepIntervalSeconds)
	assert.True(t, cfg.Payment.UnderpaymentRetryEnabled)
	assert.Equal(t, 3, cfg.Strikes.MaxStrikesBeforeBan)
	assert.Equal(t, 6, cfg.Backup.IntervalHours)
	assert.Equal(t, "EUR", cfg.Currency)
	assert.False(t, cfg.IsUsingOpenBao())
}

func TestLoadRejectsShortSecret(t *testing.T) {
	setValidSecrets(t)
	t.Setenv("PROCESSOR_WEBHOOK_SECRET", "too-short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROCESSOR_WEBHOOK_SECRET")
}

func TestLoadRejectsMissingShippingSecret(t *testing.T) {
	setValidSecrets(t)
	t.Setenv("SHIPPING_ENCRYPTION_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadParsesAdminList(t *testing.T) {
	setValidSecrets(t)
	t.Setenv("ADMIN_ID_LIST", "100, 200,300")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []int64{100, 200, 300}, cfg.Chat.AdminIDs)
	assert.True(t, cfg.IsAdmin(200))
	assert.False(t, cfg.IsAdmin(999))
}

func TestLoadRejectsBadNumeric(t *testing.T) {
	setValidSecrets(t)
	t.Setenv("ORDER_TIMEOUT_MINUTES", "sixty")

	_, err := Load()
	assert.Error(t, err)
}
