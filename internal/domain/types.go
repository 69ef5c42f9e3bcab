package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a chat-platform account known to the shop. Created on first
// contact, never destroyed.
type User struct {
	ID             int64
	ExternalID     int64
	DisplayHandle  string
	WalletBalance  decimal.Decimal
	StrikeCount    int
	IsBlocked      bool
	BlockedAt      *time.Time
	BlockedReason  string
	ApprovalStatus ApprovalStatus
	ReferrerID     *int64
	CreatedAt      time.Time
}

// Item is one sellable unit of stock. order_id set means reserved for that
// order; is_sold=true with order_id=null is consumed stock retained for
// refund-restoration accounting.
type Item struct {
	ID            int64
	CategoryID    int64
	SubcategoryID int64
	Description   string
	Price         decimal.Decimal
	IsPhysical    bool
	ShippingCost  decimal.Decimal
	IsSold        bool
	IsNew         bool
	PrivateData   string
	OrderID       *string
	ReservedAt    *time.Time
}

// PriceTier is a quantity-based unit price for a subcategory. The tier with
// the greatest MinQuantity not exceeding the requested quantity wins.
type PriceTier struct {
	ID            int64
	SubcategoryID int64
	MinQuantity   int
	UnitPrice     decimal.Decimal
}

// CartLine is one requested position in a user's cart.
type CartLine struct {
	ID            int64
	CartID        int64
	CategoryID    int64
	SubcategoryID int64
	Quantity      int
}

// Cart holds the not-yet-ordered positions of a single user.
type Cart struct {
	ID     int64
	UserID int64
	Lines  []CartLine
}

// Order is a buyer's commitment to pay for a set of reserved items.
type Order struct {
	ID                 string
	UserID             int64
	Status             OrderStatus
	TotalPrice         decimal.Decimal
	ShippingCost       decimal.Decimal
	Currency           string
	CreatedAt          time.Time
	ExpiresAt          time.Time
	PaidAt             *time.Time
	ShippedAt          *time.Time
	CancelledAt        *time.Time
	WalletUsed         decimal.Decimal
	RetryCount         int
	CancellationReason string
	ItemsSnapshot      []byte
	RefundBreakdown    []byte
}

// Invoice is a payment instrument for some or all of an order. Underpayment
// retries replace it with a follow-on invoice; replaced invoices stay on
// record with is_active=false.
type Invoice struct {
	ID                  int64
	OrderID             string
	InvoiceNumber       string
	FiatAmount          decimal.Decimal
	FiatCurrency        string
	CryptoCurrency      CryptoCurrency
	PaymentAmountCrypto decimal.Decimal // normalized smallest units
	PaymentAddress      string
	ProcessingID        int64
	CreatedAt           time.Time
	ExpiresAt           time.Time
	IsActive            bool
}

// PaymentTransaction is one confirmed inbound payment. The table is an
// append-only ledger.
type PaymentTransaction struct {
	ID                 int64
	InvoiceID          int64
	OrderID            string
	CryptoCurrency     CryptoCurrency
	CryptoAmount       decimal.Decimal // normalized smallest units
	FiatAmount         decimal.Decimal
	PaymentAddress     string
	TransactionHash    string
	ReceivedAt         time.Time
	IsOverpayment      bool
	IsUnderpayment     bool
	IsLatePayment      bool
	PenaltyApplied     bool
	PenaltyPercent     decimal.Decimal
	WalletCreditAmount decimal.Decimal
}

// TopUpRequest tracks an outstanding wallet top-up invoice at the payment
// processor. The deposit webhook resolves it by processing id.
type TopUpRequest struct {
	ID           int64
	ProcessingID int64
	UserID       int64
	MessageRef   int64
	IsPaid       bool
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Deposit is an immutable wallet top-up ledger entry. Crypto amount is stored
// in smallest units.
type Deposit struct {
	ID          int64
	UserID      int64
	Network     CryptoCurrency
	AmountUnits decimal.Decimal
	FiatAmount  decimal.Decimal
	DepositedAt time.Time
}

// Strike records a policy violation. The row count per user is the
// authoritative strike count; User.StrikeCount is a maintained cache.
type Strike struct {
	ID        int64
	UserID    int64
	OrderID   string
	Type      StrikeType
	Reason    string
	CreatedAt time.Time
}

// Buy is a purchase-history record created at order completion.
type Buy struct {
	ID         int64
	BuyerID    int64
	Quantity   int
	TotalPrice decimal.Decimal
	CreatedAt  time.Time
}

// ShippingAddress holds only ciphertext; plaintext is never persisted.
type ShippingAddress struct {
	OrderID    string
	Ciphertext []byte
	Mode       EncryptionMode
	CreatedAt  time.Time
}

// StockAdjustment reports a cart line that could only be partially reserved.
type StockAdjustment struct {
	SubcategoryID int64 `json:"subcategoryId"`
	Requested     int   `json:"requested"`
	Reserved      int   `json:"reserved"`
}
