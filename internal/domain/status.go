package domain

// OrderStatus enumerates every state of the order lifecycle. The set is
// closed: switches over it must cover all values.
type OrderStatus string

const (
	OrderPendingPayment           OrderStatus = "PENDING_PAYMENT"
	OrderPendingPaymentAndAddress OrderStatus = "PENDING_PAYMENT_AND_ADDRESS"
	OrderPendingPaymentPartial    OrderStatus = "PENDING_PAYMENT_PARTIAL"
	OrderPaid                     OrderStatus = "PAID"
	OrderPaidAwaitingShipment     OrderStatus = "PAID_AWAITING_SHIPMENT"
	OrderShipped                  OrderStatus = "SHIPPED"
	OrderCancelledByUser          OrderStatus = "CANCELLED_BY_USER"
	OrderCancelledByAdmin         OrderStatus = "CANCELLED_BY_ADMIN"
	OrderCancelledBySystem        OrderStatus = "CANCELLED_BY_SYSTEM"
	OrderTimeout                  OrderStatus = "TIMEOUT"
)

func (s OrderStatus) String() string { return string(s) }

// IsTerminal reports whether the order has left the payment and fulfilment
// flow. PAID counts as terminal because only digital-only orders stop there;
// physical orders move to PAID_AWAITING_SHIPMENT instead. CancellableFrom
// still admits a cancellation from PAID.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderShipped, OrderCancelledByUser, OrderCancelledByAdmin, OrderCancelledBySystem, OrderTimeout, OrderPaid:
		return true
	case OrderPendingPayment, OrderPendingPaymentAndAddress, OrderPendingPaymentPartial, OrderPaidAwaitingShipment:
		return false
	}
	return false
}

// IsAwaitingPayment reports whether the order still accepts payment and is
// subject to the timeout sweep.
func (s OrderStatus) IsAwaitingPayment() bool {
	switch s {
	case OrderPendingPayment, OrderPendingPaymentAndAddress, OrderPendingPaymentPartial:
		return true
	}
	return false
}

// CancelReason identifies who (or what) requested an order cancellation.
type CancelReason string

const (
	CancelByUser    CancelReason = "USER"
	CancelByTimeout CancelReason = "TIMEOUT"
	CancelByAdmin   CancelReason = "ADMIN"
)

func (r CancelReason) String() string { return string(r) }

// TerminalStatus maps a cancel reason to the terminal order status it produces.
func (r CancelReason) TerminalStatus() OrderStatus {
	switch r {
	case CancelByUser:
		return OrderCancelledByUser
	case CancelByTimeout:
		return OrderTimeout
	case CancelByAdmin:
		return OrderCancelledByAdmin
	}
	return OrderCancelledBySystem
}

// CancellableFrom reports whether an order in status s may be cancelled for
// this reason. Admins may additionally pull back paid physical orders that
// have not shipped yet.
func (r CancelReason) CancellableFrom(s OrderStatus) bool {
	switch s {
	case OrderPendingPayment, OrderPendingPaymentAndAddress, OrderPendingPaymentPartial, OrderPaid:
		return true
	case OrderPaidAwaitingShipment:
		return r == CancelByAdmin
	}
	return false
}

// StrikeType classifies the policy violation behind a strike.
type StrikeType string

const (
	StrikeTimeout    StrikeType = "TIMEOUT"
	StrikeLateCancel StrikeType = "LATE_CANCEL"
)

func (t StrikeType) String() string { return string(t) }

// ApprovalStatus tracks user registration review state. The core stores and
// loads it; the order and payment flows do not check it.
type ApprovalStatus string

const (
	ApprovalApproved           ApprovalStatus = "APPROVED"
	ApprovalPending            ApprovalStatus = "PENDING"
	ApprovalClosedRegistration ApprovalStatus = "CLOSED_REGISTRATION"
	ApprovalRejected           ApprovalStatus = "REJECTED"
)

// EncryptionMode names the scheme used for a stored shipping-address ciphertext.
type EncryptionMode string

const (
	EncryptionAES EncryptionMode = "aes"
	EncryptionPGP EncryptionMode = "pgp"
)
