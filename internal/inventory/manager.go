// Package inventory implements the reservation manager. All stock mutation
// goes through it; the row-level locking contract lives in the storage layer.
package inventory

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/storage"
)

// Manager coordinates reservations against a store. Bind it to the
// transaction-scoped store when reserving as part of order creation.
type Manager struct {
	store storage.Store
}

func NewManager(store storage.Store) *Manager {
	return &Manager{store: store}
}

// Reserve claims up to quantity available rows for the order. Partial fill is
// legal; the second return value is the requested quantity for adjustment
// tracking.
func (m *Manager) Reserve(ctx context.Context, subcategoryID int64, quantity int, orderID string, now time.Time) ([]domain.Item, int, error) {
	items, err := m.store.ReserveItems(ctx, subcategoryID, quantity, orderID, now)
	if err != nil {
		return nil, quantity, fmt.Errorf("reserve subcategory %d: %w", subcategoryID, err)
	}
	if len(items) < quantity {
		log.Printf("[Inventory] Partial reservation for order %s: subcategory %d filled %d/%d",
			orderID, subcategoryID, len(items), quantity)
	}
	return items, quantity, nil
}

// Release clears the reservation on every unsold row held by the order.
func (m *Manager) Release(ctx context.Context, orderID string) error {
	return m.store.ReleaseItems(ctx, orderID)
}

// MarkSold flips reserved rows to sold at order completion. The order
// back-reference stays until the history record is built.
func (m *Manager) MarkSold(ctx context.Context, items []domain.Item) error {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return m.store.MarkItemsSold(ctx, ids)
}

// RestockForRefund returns up to quantity consumed rows matching the key to
// available stock. The system does not manufacture synthetic rows: a shortage
// is logged and left for manual stock management.
func (m *Manager) RestockForRefund(ctx context.Context, subcategoryID, categoryID int64, price decimal.Decimal, quantity int) error {
	restored, err := m.store.RestockSoldItems(ctx, subcategoryID, categoryID, price, quantity)
	if err != nil {
		return fmt.Errorf("restock subcategory %d: %w", subcategoryID, err)
	}
	if restored < quantity {
		log.Printf("[Inventory] Stock shortage for subcategory %d: needed %d, restored %d sold rows",
			subcategoryID, quantity, restored)
	}
	return nil
}
