// Package storage defines the persistence contract consumed by the services.
// The postgres subpackage provides the production implementation; tests use
// the in-memory store in storagetest.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chatmarket/chatmarket/internal/domain"
)

// Store is the transactional persistence surface. Transact runs fn against a
// store bound to a single database transaction; a non-nil error rolls the
// whole unit back. All other methods run in auto-commit mode when called
// outside Transact.
type Store interface {
	Transact(ctx context.Context, fn func(Store) error) error

	// Users
	GetUserByID(ctx context.Context, id int64) (*domain.User, error)
	GetUserByExternalID(ctx context.Context, externalID int64) (*domain.User, error)
	CreateUserIfAbsent(ctx context.Context, externalID int64, handle string) (*domain.User, error)
	UpdateUser(ctx context.Context, user *domain.User) error

	// Items / inventory
	AvailableQuantity(ctx context.Context, subcategoryID int64) (int, error)
	ItemTemplate(ctx context.Context, categoryID, subcategoryID int64) (*domain.Item, error)
	PriceTiers(ctx context.Context, subcategoryID int64) ([]domain.PriceTier, error)
	ReserveItems(ctx context.Context, subcategoryID int64, quantity int, orderID string, now time.Time) ([]domain.Item, error)
	ReleaseItems(ctx context.Context, orderID string) error
	ItemsByOrder(ctx context.Context, orderID string) ([]domain.Item, error)
	MarkItemsSold(ctx context.Context, itemIDs []int64) error
	RestockSoldItems(ctx context.Context, subcategoryID, categoryID int64, price decimal.Decimal, quantity int) (int, error)
	ClearOrderReference(ctx context.Context, orderID string) error

	// Carts
	GetOrCreateCart(ctx context.Context, userID int64) (*domain.Cart, error)
	UpsertCartLine(ctx context.Context, line *domain.CartLine) error
	DeleteCartLine(ctx context.Context, lineID int64) error
	DeleteCart(ctx context.Context, cartID int64) error

	// Orders
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	UpdateOrder(ctx context.Context, order *domain.Order) error
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error
	ExpiredOrders(ctx context.Context, now time.Time) ([]domain.Order, error)
	OrdersByUser(ctx context.Context, userID int64) ([]domain.Order, error)

	// Invoices
	CreateInvoice(ctx context.Context, invoice *domain.Invoice) (int64, error)
	InvoiceByProcessingID(ctx context.Context, processingID int64) (*domain.Invoice, error)
	ActiveInvoiceByOrder(ctx context.Context, orderID string) (*domain.Invoice, error)
	InvoicesByOrder(ctx context.Context, orderID string) ([]domain.Invoice, error)
	DeactivateInvoice(ctx context.Context, invoiceID int64) error
	InvoiceNumberExists(ctx context.Context, number string) (bool, error)

	// Payment transactions (append-only ledger)
	CreatePaymentTransaction(ctx context.Context, tx *domain.PaymentTransaction) error
	TransactionsByInvoice(ctx context.Context, invoiceID int64) ([]domain.PaymentTransaction, error)
	HasTransaction(ctx context.Context, invoiceID int64, cryptoUnits decimal.Decimal, address string) (bool, error)

	// Top-ups and deposits
	CreateTopUpRequest(ctx context.Context, req *domain.TopUpRequest) error
	TopUpRequestByProcessingID(ctx context.Context, processingID int64) (*domain.TopUpRequest, error)
	CountPendingTopUps(ctx context.Context, userID int64, now time.Time) (int, error)
	MarkTopUpPaid(ctx context.Context, id int64) error
	CreateDeposit(ctx context.Context, dep *domain.Deposit) error

	// Strikes
	StrikeExists(ctx context.Context, orderID string, strikeType domain.StrikeType) (bool, error)
	CreateStrike(ctx context.Context, strike *domain.Strike) error
	CountStrikes(ctx context.Context, userID int64) (int, error)
	StrikesByUser(ctx context.Context, userID int64) ([]domain.Strike, error)

	// Purchase history
	HasBuyForItems(ctx context.Context, itemIDs []int64) (bool, error)
	CreateBuy(ctx context.Context, buy *domain.Buy, itemIDs []int64) (int64, error)

	// Shipping addresses (ciphertext only)
	SaveShippingAddress(ctx context.Context, addr *domain.ShippingAddress) error
	GetShippingAddress(ctx context.Context, orderID string) (*domain.ShippingAddress, error)
	DeleteShippingAddress(ctx context.Context, orderID string) error
}
