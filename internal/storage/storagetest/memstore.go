// Package storagetest provides an in-memory storage.Store used by the unit
// and acceptance tests. Transact applies fn directly, so writes made before
// fn returns an error are not rolled back.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
	"github.com/chatmarket/chatmarket/internal/errs"
	"github.com/chatmarket/chatmarket/internal/storage"
)

// MemStore is a map-backed storage.Store.
type MemStore struct {
	mu sync.Mutex

	Users        map[int64]*domain.User
	Items        map[int64]*domain.Item
	Tiers        []domain.PriceTier
	Carts        map[int64]*domain.Cart
	Orders       map[string]*domain.Order
	Invoices     map[int64]*domain.Invoice
	Transactions []domain.PaymentTransaction
	TopUps       map[int64]*domain.TopUpRequest
	Deposits     []domain.Deposit
	Strikes      []domain.Strike
	Buys         map[int64]*domain.Buy
	BuyItems     map[int64]int64 // item id -> buy id
	Addresses    map[string]*domain.ShippingAddress

	nextUserID    int64
	nextItemID    int64
	nextCartID    int64
	nextLineID    int64
	nextInvoiceID int64
	nextTxID      int64
	nextTopUpID   int64
	nextStrikeID  int64
	nextBuyID     int64
}

var _ storage.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		Users:    map[int64]*domain.User{},
		Items:    map[int64]*domain.Item{},
		Carts:    map[int64]*domain.Cart{},
		Orders:   map[string]*domain.Order{},
		Invoices: map[int64]*domain.Invoice{},
		TopUps:   map[int64]*domain.TopUpRequest{},
		Buys:     map[int64]*domain.Buy{},
		BuyItems: map[int64]int64{},
		Addresses: map[string]*domain.ShippingAddress{},
	}
}

func (m *MemStore) Transact(ctx context.Context, fn func(storage.Store) error) error {
	return fn(m)
}

// AddUser seeds a user and returns it.
func (m *MemStore) AddUser(externalID int64, wallet decimal.Decimal) *domain.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUserID++
	u := &domain.User{
		ID:             m.nextUserID,
		ExternalID:     externalID,
		WalletBalance:  wallet,
		ApprovalStatus: domain.ApprovalApproved,
		CreatedAt:      time.Unix(0, 0),
	}
	m.Users[u.ID] = u
	return u
}

// AddItems seeds n identical stock rows and returns their ids.
func (m *MemStore) AddItems(categoryID, subcategoryID int64, n int, price decimal.Decimal, physical bool, shipping decimal.Decimal) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for i := 0; i < n; i++ {
		m.nextItemID++
		m.Items[m.nextItemID] = &domain.Item{
			ID:            m.nextItemID,
			CategoryID:    categoryID,
			SubcategoryID: subcategoryID,
			Price:         price,
			IsPhysical:    physical,
			ShippingCost:  shipping,
			PrivateData:   "payload",
		}
		ids = append(ids, m.nextItemID)
	}
	return ids
}

func (m *MemStore) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.Users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, &errs.UserNotFoundError{UserID: id}
}

func (m *MemStore) GetUserByExternalID(ctx context.Context, externalID int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, &errs.UserNotFoundError{ExternalID: externalID}
}

func (m *MemStore) CreateUserIfAbsent(ctx context.Context, externalID int64, handle string) (*domain.User, error) {
	if u, err := m.GetUserByExternalID(ctx, externalID); err == nil {
		return u, nil
	}
	u := m.AddUser(externalID, decimal.Zero)
	u.DisplayHandle = handle
	cp := *u
	return &cp, nil
}

func (m *MemStore) UpdateUser(ctx context.Context, user *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Users[user.ID]; !ok {
		return &errs.UserNotFoundError{UserID: user.ID}
	}
	cp := *user
	m.Users[user.ID] = &cp
	return nil
}

// AddPriceTier seeds a quantity-based price tier.
func (m *MemStore) AddPriceTier(subcategoryID int64, minQuantity int, unitPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tiers = append(m.Tiers, domain.PriceTier{
		ID:            int64(len(m.Tiers) + 1),
		SubcategoryID: subcategoryID,
		MinQuantity:   minQuantity,
		UnitPrice:     unitPrice,
	})
}

func (m *MemStore) PriceTiers(ctx context.Context, subcategoryID int64) ([]domain.PriceTier, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PriceTier
	for _, t := range m.Tiers {
		if t.SubcategoryID == subcategoryID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinQuantity < out[j].MinQuantity })
	return out, nil
}

func (m *MemStore) sortedItemIDs() []int64 {
	ids := make([]int64, 0, len(m.Items))
	for id := range m.Items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (m *MemStore) AvailableQuantity(ctx context.Context, subcategoryID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, it := range m.Items {
		if it.SubcategoryID == subcategoryID && !it.IsSold && it.OrderID == nil {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) ItemTemplate(ctx context.Context, categoryID, subcategoryID int64) (*domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sortedItemIDs() {
		it := m.Items[id]
		if it.CategoryID == categoryID && it.SubcategoryID == subcategoryID {
			cp := *it
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemStore) ReserveItems(ctx context.Context, subcategoryID int64, quantity int, orderID string, now time.Time) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reserved []domain.Item
	for _, id := range m.sortedItemIDs() {
		if len(reserved) >= quantity {
			break
		}
		it := m.Items[id]
		if it.SubcategoryID == subcategoryID && !it.IsSold && it.OrderID == nil {
			oid := orderID
			t := now
			it.OrderID = &oid
			it.ReservedAt = &t
			reserved = append(reserved, *it)
		}
	}
	return reserved, nil
}

func (m *MemStore) ReleaseItems(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.Items {
		if it.OrderID != nil && *it.OrderID == orderID && !it.IsSold {
			it.OrderID = nil
			it.ReservedAt = nil
		}
	}
	return nil
}

func (m *MemStore) ItemsByOrder(ctx context.Context, orderID string) ([]domain.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []domain.Item
	for _, id := range m.sortedItemIDs() {
		it := m.Items[id]
		if it.OrderID != nil && *it.OrderID == orderID {
			items = append(items, *it)
		}
	}
	return items, nil
}

func (m *MemStore) MarkItemsSold(ctx context.Context, itemIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range itemIDs {
		if it, ok := m.Items[id]; ok {
			it.IsSold = true
		}
	}
	return nil
}

func (m *MemStore) RestockSoldItems(ctx context.Context, subcategoryID, categoryID int64, price decimal.Decimal, quantity int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	restored := 0
	for _, id := range m.sortedItemIDs() {
		if restored >= quantity {
			break
		}
		it := m.Items[id]
		if it.SubcategoryID == subcategoryID && it.CategoryID == categoryID &&
			it.Price.Equal(price) && it.IsSold && it.OrderID == nil {
			it.IsSold = false
			restored++
		}
	}
	return restored, nil
}

func (m *MemStore) ClearOrderReference(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.Items {
		if it.OrderID != nil && *it.OrderID == orderID {
			it.OrderID = nil
			it.ReservedAt = nil
		}
	}
	return nil
}

func (m *MemStore) GetOrCreateCart(ctx context.Context, userID int64) (*domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Carts {
		if c.UserID == userID {
			cp := *c
			cp.Lines = append([]domain.CartLine(nil), c.Lines...)
			return &cp, nil
		}
	}
	m.nextCartID++
	c := &domain.Cart{ID: m.nextCartID, UserID: userID}
	m.Carts[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *MemStore) UpsertCartLine(ctx context.Context, line *domain.CartLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cart, ok := m.Carts[line.CartID]
	if !ok {
		return &errs.CartItemNotFoundError{CartID: line.CartID}
	}
	for i := range cart.Lines {
		if cart.Lines[i].SubcategoryID == line.SubcategoryID {
			cart.Lines[i].Quantity += line.Quantity
			line.ID = cart.Lines[i].ID
			return nil
		}
	}
	m.nextLineID++
	line.ID = m.nextLineID
	cart.Lines = append(cart.Lines, *line)
	return nil
}

func (m *MemStore) DeleteCartLine(ctx context.Context, lineID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cart := range m.Carts {
		for i := range cart.Lines {
			if cart.Lines[i].ID == lineID {
				cart.Lines = append(cart.Lines[:i], cart.Lines[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (m *MemStore) DeleteCart(ctx context.Context, cartID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cart, ok := m.Carts[cartID]; ok {
		cart.Lines = nil
	}
	return nil
}

func (m *MemStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	m.Orders[order.ID] = &cp
	return nil
}

func (m *MemStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.Orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, &errs.OrderNotFoundError{OrderID: id}
}

func (m *MemStore) UpdateOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Orders[order.ID]; !ok {
		return &errs.OrderNotFoundError{OrderID: order.ID}
	}
	cp := *order
	m.Orders[order.ID] = &cp
	return nil
}

func (m *MemStore) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.Orders[id]
	if !ok {
		return &errs.OrderNotFoundError{OrderID: id}
	}
	o.Status = status
	return nil
}

func (m *MemStore) ExpiredOrders(ctx context.Context, now time.Time) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.Orders {
		if o.Status.IsAwaitingPayment() && !o.ExpiresAt.After(now) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *MemStore) OrdersByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, o := range m.Orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) CreateInvoice(ctx context.Context, invoice *domain.Invoice) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextInvoiceID++
	invoice.ID = m.nextInvoiceID
	cp := *invoice
	m.Invoices[invoice.ID] = &cp
	return invoice.ID, nil
}

func (m *MemStore) InvoiceByProcessingID(ctx context.Context, processingID int64) (*domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.Invoices {
		if inv.ProcessingID == processingID {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemStore) ActiveInvoiceByOrder(ctx context.Context, orderID string) (*domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *domain.Invoice
	for _, inv := range m.Invoices {
		if inv.OrderID == orderID && inv.IsActive {
			if latest == nil || inv.CreatedAt.After(latest.CreatedAt) {
				latest = inv
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *MemStore) InvoicesByOrder(ctx context.Context, orderID string) ([]domain.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Invoice
	for _, inv := range m.Invoices {
		if inv.OrderID == orderID {
			out = append(out, *inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) DeactivateInvoice(ctx context.Context, invoiceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.Invoices[invoiceID]; ok {
		inv.IsActive = false
	}
	return nil
}

func (m *MemStore) InvoiceNumberExists(ctx context.Context, number string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.Invoices {
		if inv.InvoiceNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) CreatePaymentTransaction(ctx context.Context, tx *domain.PaymentTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTxID++
	tx.ID = m.nextTxID
	m.Transactions = append(m.Transactions, *tx)
	return nil
}

func (m *MemStore) TransactionsByInvoice(ctx context.Context, invoiceID int64) ([]domain.PaymentTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentTransaction
	for _, tx := range m.Transactions {
		if tx.InvoiceID == invoiceID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *MemStore) HasTransaction(ctx context.Context, invoiceID int64, cryptoUnits decimal.Decimal, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.Transactions {
		if tx.InvoiceID == invoiceID && tx.CryptoAmount.Equal(cryptoUnits) && tx.PaymentAddress == address {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) CreateTopUpRequest(ctx context.Context, req *domain.TopUpRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTopUpID++
	req.ID = m.nextTopUpID
	cp := *req
	m.TopUps[req.ID] = &cp
	return nil
}

func (m *MemStore) TopUpRequestByProcessingID(ctx context.Context, processingID int64) (*domain.TopUpRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.TopUps {
		if req.ProcessingID == processingID {
			cp := *req
			return &cp, nil
		}
	}
	return nil, &errs.PaymentNotFoundError{ProcessingID: processingID}
}

func (m *MemStore) CountPendingTopUps(ctx context.Context, userID int64, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, req := range m.TopUps {
		if req.UserID == userID && !req.IsPaid && req.ExpiresAt.After(now) {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) MarkTopUpPaid(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.TopUps[id]; ok {
		req.IsPaid = true
	}
	return nil
}

func (m *MemStore) CreateDeposit(ctx context.Context, dep *domain.Deposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep.ID = int64(len(m.Deposits) + 1)
	m.Deposits = append(m.Deposits, *dep)
	return nil
}

func (m *MemStore) StrikeExists(ctx context.Context, orderID string, strikeType domain.StrikeType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.Strikes {
		if s.OrderID == orderID && s.Type == strikeType {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) CreateStrike(ctx context.Context, strike *domain.Strike) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStrikeID++
	strike.ID = m.nextStrikeID
	m.Strikes = append(m.Strikes, *strike)
	return nil
}

func (m *MemStore) CountStrikes(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.Strikes {
		if s.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) StrikesByUser(ctx context.Context, userID int64) ([]domain.Strike, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Strike
	for _, s := range m.Strikes {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemStore) HasBuyForItems(ctx context.Context, itemIDs []int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range itemIDs {
		if _, ok := m.BuyItems[id]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) CreateBuy(ctx context.Context, buy *domain.Buy, itemIDs []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBuyID++
	buy.ID = m.nextBuyID
	cp := *buy
	m.Buys[buy.ID] = &cp
	for _, id := range itemIDs {
		m.BuyItems[id] = buy.ID
	}
	return buy.ID, nil
}

func (m *MemStore) SaveShippingAddress(ctx context.Context, addr *domain.ShippingAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *addr
	m.Addresses[addr.OrderID] = &cp
	return nil
}

func (m *MemStore) GetShippingAddress(ctx context.Context, orderID string) (*domain.ShippingAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr, ok := m.Addresses[orderID]; ok {
		cp := *addr
		return &cp, nil
	}
	return nil, &errs.MissingShippingAddressError{OrderID: orderID}
}

func (m *MemStore) DeleteShippingAddress(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Addresses, orderID)
	return nil
}
