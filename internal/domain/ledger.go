package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger entry by the event that produced it.
type EntryType string

const (
	EntryBuy        EntryType = "BUY"
	EntrySell       EntryType = "SELL"
	EntryDividend   EntryType = "DIVIDEND"
	EntryDeposit    EntryType = "DEPOSIT"
	EntryWithdrawal EntryType = "WITHDRAWAL"
	EntryFee        EntryType = "FEE"
)

// LedgerEntry is an immutable record of one balance-affecting event.
// Entries are append-only; replaying a user's entries in order reproduces
// the wallet balance exactly.
type LedgerEntry struct {
	ID            string
	UserID        string
	Type          EntryType
	OrderID       string // optional
	Instrument    string // optional
	Amount        decimal.Decimal // signed
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	CreatedAt     time.Time
}

// NewLedgerEntry records one signed balance movement.
func NewLedgerEntry(userID string, typ EntryType, amount, before decimal.Decimal, desc string) *LedgerEntry {
	return &LedgerEntry{
		ID:            uuid.NewString(),
		UserID:        userID,
		Type:          typ,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  before.Add(amount),
		Description:   desc,
		CreatedAt:     time.Now().UTC(),
	}
}
