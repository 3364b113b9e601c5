// Package store defines the relational schema (§3) and owns the database
// handle lifecycle, mirroring the shape of the teacher's
// internal/database/database.go: a thin struct wrapping *gorm.DB, model
// structs tagged for GORM, and a dual postgres/sqlite Open() constructor.
package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState enumerates every state in the order state machine (§4.3).
type OrderState string

const (
	StateCreated            OrderState = "CREATED"
	StatePendingBids        OrderState = "PENDING_BIDS"
	StateCreditApproved     OrderState = "CREDIT_APPROVED"
	StateStockReserved      OrderState = "STOCK_RESERVED"
	StateWholesalerAccepted OrderState = "WHOLESALER_ACCEPTED"
	StateConfirmed          OrderState = "CONFIRMED"
	StateProcessing         OrderState = "PROCESSING"
	StatePacked             OrderState = "PACKED"
	StateOutForDelivery     OrderState = "OUT_FOR_DELIVERY"
	StateShipped            OrderState = "SHIPPED"
	StateDelivered          OrderState = "DELIVERED"
	StateFailed             OrderState = "FAILED"
	StateCancelled          OrderState = "CANCELLED"
	StateReturned           OrderState = "RETURNED"
)

// PaymentMode enumerates how the retailer intends to settle the order.
type PaymentMode string

const (
	PaymentModeCreditLine PaymentMode = "CREDIT_LINE"
	PaymentModeAdvance    PaymentMode = "ADVANCE"
)

// Order is the aggregate root for a single retailer purchase request.
type Order struct {
	ID                string `gorm:"primaryKey;size:36"`
	RetailerID        string `gorm:"size:36;index;not null"`
	WholesalerID      *string `gorm:"size:36;index"`
	FinalWholesalerID *string `gorm:"size:36;index"`
	TotalAmount       decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	PaymentMode       PaymentMode     `gorm:"size:20;not null"`
	State             OrderState      `gorm:"size:24;not null;index"`
	CreatedAt         time.Time
	ExpiresAt         time.Time `gorm:"index"`
	ConfirmedAt       *time.Time
	DeliveredAt       *time.Time
	UpdatedAt         time.Time `gorm:"index"`

	Items  []OrderItem   `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Offers []VendorOffer `gorm:"foreignKey:OrderID"`
}

// OrderItem is owned exclusively by its Order (cascade delete, §3).
type OrderItem struct {
	ID         string `gorm:"primaryKey;size:36"`
	OrderID    string `gorm:"size:36;index;not null"`
	ProductID  string `gorm:"size:36;not null"`
	Quantity   int             `gorm:"not null;check:quantity >= 1"`
	PriceAtOrder decimal.Decimal `gorm:"type:numeric(14,2);not null"`
}

// OfferStatus enumerates VendorOffer.Status.
type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
	OfferExpired  OfferStatus = "EXPIRED"
)

// VendorOffer is a wholesaler's bid on an order. Unique per (order,
// wholesaler); at most one ACCEPTED per order (§3, enforced in C7).
type VendorOffer struct {
	ID             string `gorm:"primaryKey;size:36"`
	OrderID        string `gorm:"size:36;index:idx_offer_order_wholesaler,unique;not null"`
	WholesalerID   string `gorm:"size:36;index:idx_offer_order_wholesaler,unique;not null"`
	PriceQuote     decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	DeliveryETA    string          `gorm:"size:32"`
	StockConfirmed bool
	// ReliabilityScore and AverageRating are snapshotted from the
	// wholesaler's profile at submission time so C6 scores against the
	// wholesaler's standing as of the bid, not as of award time.
	ReliabilityScore decimal.Decimal `gorm:"type:numeric(5,2);not null;default:50"`
	AverageRating    decimal.Decimal `gorm:"type:numeric(3,2);not null;default:0"`
	Status         OfferStatus `gorm:"size:12;not null;index"`
	CreatedAt      time.Time
}

// WholesalerProduct tracks on-hand/reserved stock for one (wholesaler,
// product) pair (§3, §4.4).
type WholesalerProduct struct {
	ID           string `gorm:"primaryKey;size:36"`
	WholesalerID string `gorm:"size:36;index:idx_wp_wholesaler_product,unique;not null"`
	ProductID    string `gorm:"size:36;index:idx_wp_wholesaler_product,unique;not null"`
	Stock        int    `gorm:"not null;check:stock >= 0"`
	Reserved     int    `gorm:"not null;check:reserved >= 0;check:reserved <= stock"`
	Price        decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	MinOrder     int
	LeadTime     string `gorm:"size:32"`
	Available    bool   `gorm:"default:true"`
	Inactive     bool   `gorm:"default:false"`
}

// ReservationStatus enumerates StockReservation.Status.
type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationFulfilled ReservationStatus = "FULFILLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// StockReservation is a hold against a WholesalerProduct for one order.
type StockReservation struct {
	ID                  string `gorm:"primaryKey;size:36"`
	OrderID             string `gorm:"size:36;index;not null"`
	WholesalerProductID string `gorm:"size:36;index;not null"`
	Quantity            int               `gorm:"not null;check:quantity > 0"`
	Status              ReservationStatus `gorm:"size:12;not null;index"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LedgerEntryType enumerates LedgerEntry.Type.
type LedgerEntryType string

const (
	LedgerDebit      LedgerEntryType = "DEBIT"
	LedgerCredit     LedgerEntryType = "CREDIT"
	LedgerAdjustment LedgerEntryType = "ADJUSTMENT"
	LedgerReversal   LedgerEntryType = "REVERSAL"
)

// LedgerCreator enumerates who caused a LedgerEntry to be appended.
type LedgerCreator string

const (
	CreatorSystem LedgerCreator = "SYSTEM"
	CreatorAdmin  LedgerCreator = "ADMIN"
)

// LedgerEntry is an append-only, hash-chained row in a (retailer,
// wholesaler) credit ledger (§3, §4.5). No code path may UPDATE or DELETE
// a LedgerEntry; a postgres trigger enforces this at the database level
// (see store.go's installImmutabilityGuard), the application-level
// invariant checks in internal/credit are defence-in-depth.
type LedgerEntry struct {
	ID             string `gorm:"primaryKey;size:36"`
	RetailerID     string `gorm:"size:36;index:idx_ledger_pair;not null"`
	WholesalerID   string `gorm:"size:36;index:idx_ledger_pair;not null"`
	Type           LedgerEntryType `gorm:"size:12;not null"`
	Amount         decimal.Decimal `gorm:"type:numeric(14,2);not null;check:amount > 0"`
	BalanceAfter   decimal.Decimal `gorm:"type:numeric(14,2);not null"`
	OrderID        *string         `gorm:"size:36;index"`
	ReversalOfID   *string         `gorm:"size:36"`
	DueDate        *time.Time
	Creator        LedgerCreator `gorm:"size:12;not null"`
	ContentHash    string        `gorm:"size:66;not null"`
	PreviousHash   *string       `gorm:"size:66"`
	CreatedAt      time.Time     `gorm:"index"`
}

// CreditAccount is the per-retailer credit envelope (§3).
type CreditAccount struct {
	RetailerID       string `gorm:"primaryKey;size:36"`
	CreditLimit      decimal.Decimal `gorm:"type:numeric(14,2);not null;check:credit_limit >= 0"`
	UsedCredit       decimal.Decimal `gorm:"type:numeric(14,2);not null;check:used_credit <= credit_limit"`
	MaxOrderValue    decimal.Decimal `gorm:"type:numeric(14,2)"`
	MaxOutstandingDays int
}

// RetailerWholesalerCredit is a per-pair override of the retailer's
// default CreditAccount limit/terms (§3).
type RetailerWholesalerCredit struct {
	ID           string `gorm:"primaryKey;size:36"`
	RetailerID   string `gorm:"size:36;index:idx_rwc_pair,unique;not null"`
	WholesalerID string `gorm:"size:36;index:idx_rwc_pair,unique;not null"`
	CreditLimit  *decimal.Decimal `gorm:"type:numeric(14,2)"`
	MaxOutstandingDays *int
	Active       bool   `gorm:"default:true"`
	BlockReason  string `gorm:"size:128"`
}

// IdempotencyRecord caches a webhook response for at-most-once processing
// (§3, §4.2).
type IdempotencyRecord struct {
	Key             string `gorm:"primaryKey;size:255"`
	WebhookType     string `gorm:"size:64;not null"`
	RequestSnapshot string `gorm:"type:text"`
	ResponseStatus  int
	ResponseBody    string `gorm:"type:text"`
	InFlight        bool   `gorm:"default:true"`
	CreatedAt       time.Time
	ExpiresAt       time.Time `gorm:"index"`
}

// TransitionLog is an append-only audit trail of state-machine transitions
// (§3, §4.3).
type TransitionLog struct {
	ID        string `gorm:"primaryKey;size:36"`
	OrderID   string `gorm:"size:36;index;not null"`
	FromState OrderState `gorm:"size:24;not null"`
	ToState   OrderState `gorm:"size:24;not null"`
	Actor     string     `gorm:"size:64;not null"`
	Reason    string     `gorm:"size:256"`
	CreatedAt time.Time  `gorm:"index"`
}

// WebhookFailureLog records terminal transaction failures for observability
// (§3, §4.1), written in a separate lower-isolation transaction so its
// visibility does not depend on the failed transaction's rollback.
type WebhookFailureLog struct {
	ID         string `gorm:"primaryKey;size:36"`
	Operation  string `gorm:"size:64;not null"`
	EntityRef  string `gorm:"size:128"`
	ErrorText  string `gorm:"type:text"`
	Attempts   int
	RetryCount int
	NextRetryAt *time.Time
	CreatedAt  time.Time `gorm:"index"`
}

// FlagRecord backs the live-reloadable launch-control flags of §6.
type FlagRecord struct {
	Name      string `gorm:"primaryKey;size:64"`
	BoolValue bool
	IntValue  int
	UpdatedAt time.Time
}

// AllModels lists every table for AutoMigrate, in an order that satisfies
// foreign-key dependencies.
func AllModels() []any {
	return []any{
		&Order{},
		&OrderItem{},
		&VendorOffer{},
		&WholesalerProduct{},
		&StockReservation{},
		&CreditAccount{},
		&RetailerWholesalerCredit{},
		&LedgerEntry{},
		&IdempotencyRecord{},
		&TransitionLog{},
		&WebhookFailureLog{},
		&FlagRecord{},
	}
}
