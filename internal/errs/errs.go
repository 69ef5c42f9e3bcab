// Package errs defines the typed error hierarchy raised by the services.
// Handlers match these with errors.As to produce deterministic user-facing
// messages; the services themselves never catch them.
package errs

import "fmt"

// OrderNotFoundError reports a lookup miss on an order id.
type OrderNotFoundError struct {
	OrderID string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order %s not found", e.OrderID)
}

// OrderExpiredError reports an operation on an order past its deadline.
type OrderExpiredError struct {
	OrderID string
}

func (e *OrderExpiredError) Error() string {
	return fmt.Sprintf("order %s has expired", e.OrderID)
}

// InvalidOrderStateError reports a refused status transition.
type InvalidOrderStateError struct {
	OrderID       string
	CurrentState  string
	RequiredState string
}

func (e *InvalidOrderStateError) Error() string {
	return fmt.Sprintf("order %s is in state %s, required %s", e.OrderID, e.CurrentState, e.RequiredState)
}

// InsufficientStockError reports a reservation that could not fill any rows.
type InsufficientStockError struct {
	SubcategoryID int64
	Requested     int
	Available     int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for subcategory %d: requested %d, available %d",
		e.SubcategoryID, e.Requested, e.Available)
}

// OrderOwnershipError reports a user acting on another user's order.
type OrderOwnershipError struct {
	OrderID string
	UserID  int64
}

func (e *OrderOwnershipError) Error() string {
	return fmt.Sprintf("order %s does not belong to user %d", e.OrderID, e.UserID)
}

// PaymentNotFoundError reports an unknown payment-processor transaction id.
type PaymentNotFoundError struct {
	ProcessingID int64
}

func (e *PaymentNotFoundError) Error() string {
	return fmt.Sprintf("payment with processing id %d not found", e.ProcessingID)
}

// InvalidPaymentAmountError reports an amount outside the accepted envelope.
type InvalidPaymentAmountError struct {
	Expected string
	Received string
	Currency string
}

func (e *InvalidPaymentAmountError) Error() string {
	return fmt.Sprintf("invalid payment amount: expected %s %s, received %s", e.Expected, e.Currency, e.Received)
}

// PaymentAlreadyProcessedError reports a replayed payment confirmation.
type PaymentAlreadyProcessedError struct {
	ProcessingID int64
}

func (e *PaymentAlreadyProcessedError) Error() string {
	return fmt.Sprintf("payment %d already processed", e.ProcessingID)
}

// CryptocurrencyNotSelectedError reports invoice creation before the buyer
// picked a settlement currency.
type CryptocurrencyNotSelectedError struct {
	OrderID string
}

func (e *CryptocurrencyNotSelectedError) Error() string {
	return fmt.Sprintf("no cryptocurrency selected for order %s", e.OrderID)
}

// ItemNotFoundError reports a lookup miss on an item id.
type ItemNotFoundError struct {
	ItemID int64
}

func (e *ItemNotFoundError) Error() string {
	return fmt.Sprintf("item %d not found", e.ItemID)
}

// ItemAlreadySoldError reports an operation on consumed stock.
type ItemAlreadySoldError struct {
	ItemID int64
}

func (e *ItemAlreadySoldError) Error() string {
	return fmt.Sprintf("item %d is already sold", e.ItemID)
}

// ItemInvalidDataError reports an item row with invalid or corrupted data.
type ItemInvalidDataError struct {
	ItemID int64
	Reason string
}

func (e *ItemInvalidDataError) Error() string {
	return fmt.Sprintf("invalid data for item %d: %s", e.ItemID, e.Reason)
}

// ItemTierPricingFailureError reports a quantity-based price calculation that
// could not be resolved against the subcategory's tier table.
type ItemTierPricingFailureError struct {
	SubcategoryID int64
	Quantity      int
	Reason        string
}

func (e *ItemTierPricingFailureError) Error() string {
	return fmt.Sprintf("tier pricing calculation failed for subcategory %d (qty: %d): %s",
		e.SubcategoryID, e.Quantity, e.Reason)
}

// CartEmptyError reports a checkout over an empty cart.
type CartEmptyError struct {
	UserID int64
}

func (e *CartEmptyError) Error() string {
	return fmt.Sprintf("cart for user %d is empty", e.UserID)
}

// CartItemNotFoundError reports a missing cart line.
type CartItemNotFoundError struct {
	CartID int64
	LineID int64
}

func (e *CartItemNotFoundError) Error() string {
	return fmt.Sprintf("cart %d has no line %d", e.CartID, e.LineID)
}

// UserNotFoundError reports a lookup miss on a user.
type UserNotFoundError struct {
	UserID     int64
	ExternalID int64
}

func (e *UserNotFoundError) Error() string {
	if e.ExternalID != 0 {
		return fmt.Sprintf("user with external id %d not found", e.ExternalID)
	}
	return fmt.Sprintf("user %d not found", e.UserID)
}

// UserBannedError reports an operation by a blocked user.
type UserBannedError struct {
	UserID int64
	Reason string
}

func (e *UserBannedError) Error() string {
	return fmt.Sprintf("user %d is banned: %s", e.UserID, e.Reason)
}

// InsufficientBalanceError reports a wallet charge beyond the balance.
type InsufficientBalanceError struct {
	UserID   int64
	Required string
	Balance  string
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("user %d balance %s below required %s", e.UserID, e.Balance, e.Required)
}

// MissingShippingAddressError reports a physical order without an address.
type MissingShippingAddressError struct {
	OrderID string
}

func (e *MissingShippingAddressError) Error() string {
	return fmt.Sprintf("order %s has no shipping address", e.OrderID)
}

// InvalidShippingAddressError reports ciphertext that failed validation.
type InvalidShippingAddressError struct {
	OrderID string
	Detail  string
}

func (e *InvalidShippingAddressError) Error() string {
	return fmt.Sprintf("invalid shipping address for order %s: %s", e.OrderID, e.Detail)
}

// PGPKeyNotConfiguredError reports PGP mode without a configured key.
type PGPKeyNotConfiguredError struct{}

func (e *PGPKeyNotConfiguredError) Error() string {
	return "PGP encryption requested but no key is configured"
}

// BackupEncryptionDisabledError reports a backup attempt without a configured
// key. Policy: better no backups than unencrypted backups.
type BackupEncryptionDisabledError struct{}

func (e *BackupEncryptionDisabledError) Error() string {
	return "unencrypted backups are not allowed; configure a backup public key"
}

// BackupEncryptionUnavailableError reports that the configured encryption key
// could not be loaded or used.
type BackupEncryptionUnavailableError struct {
	Detail string
}

func (e *BackupEncryptionUnavailableError) Error() string {
	return fmt.Sprintf("backup encryption is not available: %s", e.Detail)
}

// BackupEncryptionFailedError reports a failed encryption operation.
type BackupEncryptionFailedError struct {
	Detail string
}

func (e *BackupEncryptionFailedError) Error() string {
	return fmt.Sprintf("backup encryption failed: %s", e.Detail)
}

// BackupCreationFailedError reports a failure to produce or verify an archive.
type BackupCreationFailedError struct {
	Detail string
}

func (e *BackupCreationFailedError) Error() string {
	return fmt.Sprintf("failed to create backup: %s", e.Detail)
}
