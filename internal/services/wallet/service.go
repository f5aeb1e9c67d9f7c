package wallet

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papertrade/settlement/internal/domain"
	"github.com/papertrade/settlement/internal/locker"
	"github.com/papertrade/settlement/internal/store"
)

// Service exposes the account-level wallet operations: opening accounts,
// deposits and withdrawals. Each operation takes the wallet row lock and
// runs in its own transaction.
type Service struct {
	store    store.Store
	locks    *locker.Locker
	ledger   *Ledger
	logger   *zap.Logger
	initial  decimal.Decimal
	currency string
}

// NewService creates the wallet service. New accounts are funded with the
// given initial balance.
func NewService(st store.Store, locks *locker.Locker, ledger *Ledger, logger *zap.Logger, initial decimal.Decimal, currency string) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		locks:    locks,
		ledger:   ledger,
		logger:   logger,
		initial:  initial,
		currency: currency,
	}
}

// CreateAccount opens a wallet for the user with the fixed initial balance.
func (s *Service) CreateAccount(ctx context.Context, userID string) (*domain.Wallet, error) {
	var w *domain.Wallet
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		w, err = s.ledger.Create(tx, userID, s.initial, s.currency)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("account created",
		zap.String("user_id", userID),
		zap.String("initial_balance", s.initial.String()))
	return w, nil
}

// Balance reads the user's current balance without taking locks.
func (s *Service) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		balance, err = s.ledger.Balance(tx, userID)
		return err
	})
	return balance, err
}

// Deposit credits the wallet and records a DEPOSIT ledger entry.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal, desc string) (*domain.LedgerEntry, error) {
	return s.mutate(ctx, userID, func(tx store.Tx) (*domain.LedgerEntry, error) {
		return s.ledger.Credit(tx, userID, domain.RoundCents(amount), domain.EntryDeposit, EntryRef{}, desc)
	})
}

// Withdraw debits the wallet and records a WITHDRAWAL ledger entry. Fails
// with domain.ErrInsufficientFunds when the balance is too low.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, desc string) (*domain.LedgerEntry, error) {
	return s.mutate(ctx, userID, func(tx store.Tx) (*domain.LedgerEntry, error) {
		return s.ledger.Debit(tx, userID, domain.RoundCents(amount), domain.EntryWithdrawal, EntryRef{}, desc)
	})
}

// Reconcile replays the user's ledger against the stored balance.
func (s *Service) Reconcile(ctx context.Context, userID string) (replayed decimal.Decimal, ok bool, err error) {
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		replayed, ok, err = s.ledger.Reconcile(tx, userID)
		return err
	})
	return replayed, ok, err
}

func (s *Service) mutate(ctx context.Context, userID string, fn func(tx store.Tx) (*domain.LedgerEntry, error)) (*domain.LedgerEntry, error) {
	release, err := s.locks.Acquire(ctx, locker.WalletKey(userID))
	if err != nil {
		return nil, err
	}
	defer release()

	var entry *domain.LedgerEntry
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		entry, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
