package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet holds a user's simulated cash balance. One wallet per user, created
// with a fixed initial balance and never deleted while the user exists.
type Wallet struct {
	UserID         string
	Balance        decimal.Decimal
	Currency       string
	TotalDeposited decimal.Decimal
	TotalWithdrawn decimal.Decimal
	UpdatedAt      time.Time
}

// NewWallet creates a wallet funded with the initial balance.
func NewWallet(userID string, initial decimal.Decimal, currency string) *Wallet {
	return &Wallet{
		UserID:         userID,
		Balance:        initial,
		Currency:       currency,
		TotalDeposited: decimal.Zero,
		TotalWithdrawn: decimal.Zero,
		UpdatedAt:      time.Now().UTC(),
	}
}

// Clone returns a copy safe to mutate independently.
func (w *Wallet) Clone() *Wallet {
	if w == nil {
		return nil
	}
	c := *w
	return &c
}
