package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DividendEvent is a scheduled per-unit cash payment for holders of an
// instrument. The distributor picks it up once PayDate has arrived.
type DividendEvent struct {
	ID          string
	Instrument  string
	PerUnit     decimal.Decimal
	ExDate      time.Time
	RecordDate  time.Time
	PayDate     time.Time
	Distributed bool
}

// NewDividendEvent schedules a dividend of perUnit per held unit.
func NewDividendEvent(instrument string, perUnit decimal.Decimal, exDate, recordDate, payDate time.Time) *DividendEvent {
	return &DividendEvent{
		ID:         uuid.NewString(),
		Instrument: instrument,
		PerUnit:    perUnit,
		ExDate:     exDate,
		RecordDate: recordDate,
		PayDate:    payDate,
	}
}

// Due reports whether the event should be processed at the given time.
func (e *DividendEvent) Due(now time.Time) bool {
	return !e.Distributed && !e.PayDate.After(now)
}

// DividendPayment records one holder paid for one event. The (EventID,
// UserID) pair is the dedup key making distribution idempotent per holder.
type DividendPayment struct {
	ID            string
	EventID       string
	UserID        string
	Instrument    string
	Units         int64
	Amount        decimal.Decimal
	LedgerEntryID string
	PaidAt        time.Time
}

// NewDividendPayment records a completed payout backed by a ledger entry.
func NewDividendPayment(event *DividendEvent, userID string, units int64, amount decimal.Decimal, ledgerEntryID string) *DividendPayment {
	return &DividendPayment{
		ID:            uuid.NewString(),
		EventID:       event.ID,
		UserID:        userID,
		Instrument:    event.Instrument,
		Units:         units,
		Amount:        amount,
		LedgerEntryID: ledgerEntryID,
		PaidAt:        time.Now().UTC(),
	}
}
