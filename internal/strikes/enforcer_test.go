package strikes

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/storage/storagetest"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type captureNotifier struct {
	userMessages  []string
	adminMessages []string
}

func (c *captureNotifier) NotifyUser(_ context.Context, _ int64, message string) error {
	c.userMessages = append(c.userMessages, message)
	return nil
}

func (c *captureNotifier) NotifyAdmins(_ context.Context, message string) error {
	c.adminMessages = append(c.adminMessages, message)
	return nil
}

func newEnforcer(notifier *captureNotifier, isAdmin func(int64) bool) *Enforcer {
	return NewEnforcer(Config{
		MaxStrikesBeforeBan: 3,
		ExemptAdminsFromBan: true,
		UnbanTopUpAmount:    decimal.NewFromInt(50),
	}, notifier, isAdmin)
}

func TestAddStrikeIdempotentPerOrderAndType(t *testing.T) {
	store := storagetest.New()
	user := store.AddUser(100, decimal.Zero)
	enforcer := newEnforcer(&captureNotifier{}, func(int64) bool { return false })

	require.NoError(t, enforcer.AddStrikeAndCheckBan(context.Background(), store, user.ID, "order-1", domain.StrikeTimeout, testStart))
	require.NoError(t, enforcer.AddStrikeAndCheckBan(context.Background(), store, user.ID, "order-1", domain.StrikeTimeout, testStart))

	assert.Len(t, store.Strikes, 1)
	u, _ := store.GetUserByID(context.Background(), user.ID)
	assert.Equal(t, 1, u.StrikeCount)

	// A different strike type for the same order is a separate violation.
	require.NoError(t, enforcer.AddStrikeAndCheckBan(context.Background(), store, user.ID, "order-1", domain.StrikeLateCancel, testStart))
	assert.Len(t, store.Strikes, 2)
}

func TestBanAtThresholdNotifies(t *testing.T) {
	store := storagetest.New()
	user := store.AddUser(100, decimal.Zero)
	notifier := &captureNotifier{}
	enforcer := newEnforcer(notifier, func(int64) bool { return false })

	for i, oid := range []string{"o-1", "o-2", "o-3"} {
		require.NoError(t, enforcer.AddStrikeAndCheckBan(context.Background(), store, user.ID, oid, domain.StrikeTimeout, testStart.Add(time.Duration(i)*time.Minute)))
	}

	u, _ := store.GetUserByID(context.Background(), user.ID)
	assert.True(t, u.IsBlocked)
	assert.Equal(t, 3, u.StrikeCount)
	assert.Contains(t, u.BlockedReason, "Automatic ban")
	assert.Len(t, notifier.userMessages, 1)
	assert.Len(t, notifier.adminMessages, 1)
}

func TestAdminExemptFromBanStillAccruesStrikes(t *testing.T) {
	store := storagetest.New()
	user := store.AddUser(100, decimal.Zero)
	notifier := &captureNotifier{}
	enforcer := newEnforcer(notifier, func(externalID int64) bool { return externalID == 100 })

	for _, oid := range []string{"o-1", "o-2", "o-3", "o-4"} {
		require.NoError(t, enforcer.AddStrikeAndCheckBan(context.Background(), store, user.ID, oid, domain.StrikeTimeout, testStart))
	}

	u, _ := store.GetUserByID(context.Background(), user.ID)
	assert.False(t, u.IsBlocked)
	assert.Equal(t, 4, u.StrikeCount)
	assert.Empty(t, notifier.userMessages)
}

func TestStrikeCacheMatchesLedger(t *testing.T) {
	store := storagetest.New()
	user := store.AddUser(100, decimal.Zero)
	enforcer := newEnforcer(&captureNotifier{}, func(int64) bool { return false })

	// A pre-existing ledger row the cache does not know about yet.
	require.NoError(t, store.CreateStrike(context.Background(), &domain.Strike{
		UserID: user.ID, OrderID: "legacy", Type: domain.StrikeLateCancel, CreatedAt: testStart,
	}))

	require.NoError(t, enforcer.AddStrikeAndCheckBan(context.Background(), store, user.ID, "o-1", domain.StrikeTimeout, testStart))

	u, _ := store.GetUserByID(context.Background(), user.ID)
	count, _ := store.CountStrikes(context.Background(), user.ID)
	assert.Equal(t, count, u.StrikeCount)
	assert.Equal(t, 2, u.StrikeCount)
}

func TestProcessUnbanTopUp(t *testing.T) {
	enforcer := newEnforcer(&captureNotifier{}, func(int64) bool { return false })

	blockedAt := testStart
	user := &domain.User{ID: 1, IsBlocked: true, BlockedAt: &blockedAt, StrikeCount: 3}

	assert.False(t, enforcer.ProcessUnbanTopUp(context.Background(), user, decimal.NewFromInt(49)))
	assert.True(t, user.IsBlocked)

	assert.True(t, enforcer.ProcessUnbanTopUp(context.Background(), user, decimal.NewFromInt(50)))
	assert.False(t, user.IsBlocked)
	assert.Nil(t, user.BlockedAt)
	assert.Equal(t, 3, user.StrikeCount)

	// Not blocked: a large top-up is just a top-up.
	assert.False(t, enforcer.ProcessUnbanTopUp(context.Background(), user, decimal.NewFromInt(500)))
}
