// Package wallet implements the cash side of settlement. Every balance
// mutation appends exactly one ledger entry recording the balance before and
// after, so replaying a user's entries reproduces the balance exactly.
package wallet

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papertrade/settlement/internal/audit"
	"github.com/papertrade/settlement/internal/domain"
	"github.com/papertrade/settlement/internal/store"
)

// EntryRef links a ledger entry to the order or instrument that caused it.
type EntryRef struct {
	OrderID    string
	Instrument string
}

// Ledger provides tx-scoped wallet operations. Mutations run inside the
// caller's transaction boundary and never commit on their own.
type Ledger struct {
	logger *zap.Logger
	audit  audit.Recorder
}

// NewLedger creates the wallet ledger.
func NewLedger(logger *zap.Logger, recorder audit.Recorder) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Ledger{logger: logger, audit: recorder}
}

// Create opens a wallet funded with the initial balance. Fails with
// domain.ErrWalletExists when the user already has one.
func (l *Ledger) Create(tx store.Tx, userID string, initial decimal.Decimal, currency string) (*domain.Wallet, error) {
	w := domain.NewWallet(userID, initial, currency)
	if err := tx.Wallets().Create(w); err != nil {
		return nil, err
	}
	l.audit.Record("wallet_created", w)
	return w, nil
}

// Balance returns the user's current cash balance.
func (l *Ledger) Balance(tx store.Tx, userID string) (decimal.Decimal, error) {
	w, err := tx.Wallets().Get(userID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance, nil
}

// Credit adds amount to the wallet and appends one ledger entry.
func (l *Ledger) Credit(tx store.Tx, userID string, amount decimal.Decimal, typ domain.EntryType, ref EntryRef, desc string) (*domain.LedgerEntry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Wrapf(domain.ErrInvalidQuantity, "credit amount %s", amount)
	}
	return l.apply(tx, userID, amount, typ, ref, desc)
}

// Debit removes amount from the wallet and appends one ledger entry. Fails
// with domain.ErrInsufficientFunds when amount exceeds the balance, keeping
// the balance non-negative at all times.
func (l *Ledger) Debit(tx store.Tx, userID string, amount decimal.Decimal, typ domain.EntryType, ref EntryRef, desc string) (*domain.LedgerEntry, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Wrapf(domain.ErrInvalidQuantity, "debit amount %s", amount)
	}
	return l.apply(tx, userID, amount.Neg(), typ, ref, desc)
}

func (l *Ledger) apply(tx store.Tx, userID string, signed decimal.Decimal, typ domain.EntryType, ref EntryRef, desc string) (*domain.LedgerEntry, error) {
	w, err := tx.Wallets().Get(userID)
	if err != nil {
		return nil, err
	}

	after := w.Balance.Add(signed)
	if after.IsNegative() {
		return nil, errors.Wrapf(domain.ErrInsufficientFunds,
			"balance %s, debit %s", w.Balance, signed.Neg())
	}

	entry := domain.NewLedgerEntry(userID, typ, signed, w.Balance, desc)
	entry.OrderID = ref.OrderID
	entry.Instrument = ref.Instrument

	w.Balance = after
	switch typ {
	case domain.EntryDeposit:
		w.TotalDeposited = w.TotalDeposited.Add(signed)
	case domain.EntryWithdrawal:
		w.TotalWithdrawn = w.TotalWithdrawn.Add(signed.Neg())
	}
	w.UpdatedAt = entry.CreatedAt

	if err := tx.Wallets().Update(w); err != nil {
		return nil, err
	}
	if err := tx.Ledger().Append(entry); err != nil {
		return nil, err
	}

	l.audit.Record("ledger_entry", entry)
	return entry, nil
}

// Reconcile replays the user's ledger entries and checks that they reproduce
// the stored balance. Returns the replayed balance and whether it matches.
func (l *Ledger) Reconcile(tx store.Tx, userID string) (decimal.Decimal, bool, error) {
	w, err := tx.Wallets().Get(userID)
	if err != nil {
		return decimal.Zero, false, err
	}
	entries, err := tx.Ledger().ListByUser(userID)
	if err != nil {
		return decimal.Zero, false, err
	}

	replayed := initialFromEntries(w, entries)
	for _, e := range entries {
		if !e.BalanceAfter.Equal(e.BalanceBefore.Add(e.Amount)) {
			return replayed, false, errors.Errorf("corrupt ledger entry %s", e.ID)
		}
		replayed = replayed.Add(e.Amount)
	}
	return replayed, replayed.Equal(w.Balance), nil
}

// initialFromEntries derives the balance the wallet started with. The first
// entry's balance-before is the initial funding; an empty ledger means the
// balance is still the initial one.
func initialFromEntries(w *domain.Wallet, entries []*domain.LedgerEntry) decimal.Decimal {
	if len(entries) == 0 {
		return w.Balance
	}
	return entries[0].BalanceBefore
}
