// Package store defines the persistence boundary of the settlement engine.
// All mutating business operations run inside one Tx obtained from
// Store.WithinTx; a returned error rolls back every partial mutation.
package store

import (
	"context"
	"time"

	"github.com/papertrade/settlement/internal/domain"
)

// Store opens atomic transaction scopes over the underlying storage.
type Store interface {
	// WithinTx runs fn inside one atomic unit. The transaction commits when
	// fn returns nil and rolls back completely otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Tx gives access to the repositories bound to one open transaction.
// Mutations are observable to other transactions only after commit.
type Tx interface {
	Wallets() WalletRepo
	Holdings() HoldingRepo
	Ledger() LedgerRepo
	Orders() OrderRepo
	Dividends() DividendRepo
}

// WalletRepo stores one wallet row per user.
type WalletRepo interface {
	// Get returns domain.ErrWalletNotFound when the user has no wallet.
	Get(userID string) (*domain.Wallet, error)
	// Create returns domain.ErrWalletExists on duplicate user.
	Create(w *domain.Wallet) error
	Update(w *domain.Wallet) error
}

// HoldingRepo stores (user, instrument) position rows.
type HoldingRepo interface {
	// Get returns (nil, nil) when the holding does not exist.
	Get(userID, instrument string) (*domain.Holding, error)
	Upsert(h *domain.Holding) error
	Delete(userID, instrument string) error
	ListByInstrument(instrument string) ([]*domain.Holding, error)
	ListByUser(userID string) ([]*domain.Holding, error)
}

// LedgerRepo is the append-only transaction ledger. Entries are never
// mutated or deleted.
type LedgerRepo interface {
	Append(e *domain.LedgerEntry) error
	// ListByUser returns the user's entries in append order.
	ListByUser(userID string) ([]*domain.LedgerEntry, error)
}

// OrderRepo stores order records.
type OrderRepo interface {
	Create(o *domain.Order) error
	// Get returns domain.ErrOrderNotFound when absent.
	Get(id string) (*domain.Order, error)
	Update(o *domain.Order) error
	ListByStatus(status domain.OrderStatus) ([]*domain.Order, error)
}

// DividendRepo stores dividend events and per-holder payments.
type DividendRepo interface {
	CreateEvent(ev *domain.DividendEvent) error
	// DueEvents returns undistributed events whose pay date has arrived.
	DueEvents(now time.Time) ([]*domain.DividendEvent, error)
	MarkDistributed(eventID string) error
	CreatePayment(p *domain.DividendPayment) error
	// PaymentExists reports whether the (event, holder) pair was already paid.
	PaymentExists(eventID, userID string) (bool, error)
	ListPayments(eventID string) ([]*domain.DividendPayment, error)
}
