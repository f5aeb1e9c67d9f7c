package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderStatus is the lifecycle state of an order. PENDING transitions exactly
// once to one of the terminal states; terminal orders are immutable.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusCompleted OrderStatus = "COMPLETED"
	StatusFailed    OrderStatus = "FAILED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Failure reasons surfaced on FAILED orders.
const (
	ReasonInsufficientFunds  = "Insufficient funds"
	ReasonInsufficientShares = "Insufficient shares"
	ReasonQuoteUnavailable   = "Quote unavailable"
	ReasonLockTimeout        = "Resource busy"
	ReasonSystemError        = "Internal error"
)

// Order is a request to buy or sell a quantity of an instrument at the
// prevailing quote.
type Order struct {
	ID            string
	UserID        string
	Instrument    string
	Side          OrderSide
	Quantity      int64
	Price         decimal.Decimal // executed price per unit
	Commission    decimal.Decimal
	Total         decimal.Decimal // notional ± commission
	Status        OrderStatus
	FailureReason string
	RealizedPnL   *decimal.Decimal // sells only
	CreatedAt     time.Time
	ExecutedAt    *time.Time
}

// NewOrder creates an order in PENDING state.
func NewOrder(userID, instrument string, side OrderSide, qty int64) (*Order, error) {
	if qty <= 0 {
		return nil, errors.Wrapf(ErrInvalidQuantity, "got %d", qty)
	}
	if instrument == "" {
		return nil, errors.Wrap(ErrUnknownInstrument, "empty instrument")
	}
	return &Order{
		ID:         uuid.NewString(),
		UserID:     userID,
		Instrument: instrument,
		Side:       side,
		Quantity:   qty,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// Complete moves the order to COMPLETED with its execution economics.
func (o *Order) Complete(price, commission, total decimal.Decimal, realized *decimal.Decimal) error {
	if o.Status != StatusPending {
		return errors.Wrapf(ErrOrderNotPending, "order %s is %s", o.ID, o.Status)
	}
	now := time.Now().UTC()
	o.Price = price
	o.Commission = commission
	o.Total = total
	o.RealizedPnL = realized
	o.Status = StatusCompleted
	o.ExecutedAt = &now
	return nil
}

// Fail moves the order to FAILED with a human-readable reason.
func (o *Order) Fail(reason string) error {
	if o.Status != StatusPending {
		return errors.Wrapf(ErrOrderNotPending, "order %s is %s", o.ID, o.Status)
	}
	o.Status = StatusFailed
	o.FailureReason = reason
	return nil
}

// Cancel moves the order to CANCELLED. Valid only while PENDING, before
// execution has begun.
func (o *Order) Cancel() error {
	if o.Status != StatusPending {
		return errors.Wrapf(ErrOrderNotPending, "order %s is %s", o.ID, o.Status)
	}
	o.Status = StatusCancelled
	return nil
}

// Clone returns a copy safe to mutate independently.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.RealizedPnL != nil {
		v := *o.RealizedPnL
		c.RealizedPnL = &v
	}
	if o.ExecutedAt != nil {
		t := *o.ExecutedAt
		c.ExecutedAt = &t
	}
	return &c
}

// OrderOutcome is the tagged result of order execution: Completed,
// Failed or Cancelled.
type OrderOutcome interface{ orderOutcome() }

// Completed carries the terminal order after successful execution.
type Completed struct{ Order *Order }

// Failed carries the human-readable failure reason.
type Failed struct{ Reason string }

// Cancelled marks an order withdrawn before execution.
type Cancelled struct{}

func (Completed) orderOutcome() {}
func (Failed) orderOutcome()    {}
func (Cancelled) orderOutcome() {}

// Outcome maps a terminal order onto its tagged variant. Returns nil for a
// still-pending order.
func (o *Order) Outcome() OrderOutcome {
	switch o.Status {
	case StatusCompleted:
		return Completed{Order: o}
	case StatusFailed:
		return Failed{Reason: o.FailureReason}
	case StatusCancelled:
		return Cancelled{}
	default:
		return nil
	}
}
