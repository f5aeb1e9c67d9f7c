package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Holding is a user's position in one instrument. A holding with zero
// quantity must not exist: the row is deleted the moment quantity reaches
// zero, so Quantity is strictly positive on every stored holding.
type Holding struct {
	UserID        string
	Instrument    string
	Quantity      int64
	AvgCost       decimal.Decimal
	TotalInvested decimal.Decimal
}

// NewHolding opens a position with the first buy.
func NewHolding(userID, instrument string, qty int64, price decimal.Decimal) (*Holding, error) {
	if qty <= 0 {
		return nil, errors.Wrapf(ErrInvalidQuantity, "got %d", qty)
	}
	invested := price.Mul(decimal.NewFromInt(qty))
	return &Holding{
		UserID:        userID,
		Instrument:    instrument,
		Quantity:      qty,
		AvgCost:       price,
		TotalInvested: invested,
	}, nil
}

// AddBuy folds a purchase into the position using a quantity-weighted
// average cost.
func (h *Holding) AddBuy(qty int64, price decimal.Decimal) error {
	if qty <= 0 {
		return errors.Wrapf(ErrInvalidQuantity, "got %d", qty)
	}
	oldQty := decimal.NewFromInt(h.Quantity)
	buyQty := decimal.NewFromInt(qty)
	notional := price.Mul(buyQty)

	h.AvgCost = h.AvgCost.Mul(oldQty).Add(notional).Div(oldQty.Add(buyQty))
	h.Quantity += qty
	h.TotalInvested = h.TotalInvested.Add(notional)
	return nil
}

// ReduceSell removes qty units at sellPrice and returns the realized
// gain/loss relative to average cost. Average cost never changes on a sell.
// Callers delete the holding when Quantity drops to zero.
func (h *Holding) ReduceSell(qty int64, sellPrice decimal.Decimal) (decimal.Decimal, error) {
	if qty <= 0 {
		return decimal.Zero, errors.Wrapf(ErrInvalidQuantity, "got %d", qty)
	}
	if qty > h.Quantity {
		return decimal.Zero, errors.Wrapf(ErrInsufficientShares, "own %d, selling %d", h.Quantity, qty)
	}
	sold := decimal.NewFromInt(qty)
	realized := RoundCents(sellPrice.Sub(h.AvgCost).Mul(sold))

	h.Quantity -= qty
	h.TotalInvested = h.TotalInvested.Sub(h.AvgCost.Mul(sold))
	return realized, nil
}

// Clone returns a copy safe to mutate independently.
func (h *Holding) Clone() *Holding {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}
