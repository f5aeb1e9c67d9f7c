// Package holdings implements the position book: per-user per-instrument
// quantity and average cost basis. A holding row exists only while its
// quantity is strictly positive.
package holdings

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papertrade/settlement/internal/audit"
	"github.com/papertrade/settlement/internal/domain"
	"github.com/papertrade/settlement/internal/store"
)

// Book provides tx-scoped holdings operations. Like the wallet ledger, it
// runs inside the caller's transaction boundary.
type Book struct {
	logger *zap.Logger
	audit  audit.Recorder
}

// NewBook creates the holdings book.
func NewBook(logger *zap.Logger, recorder audit.Recorder) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Book{logger: logger, audit: recorder}
}

// Get returns the user's holding for the instrument, or nil when absent.
func (b *Book) Get(tx store.Tx, userID, instrument string) (*domain.Holding, error) {
	return tx.Holdings().Get(userID, instrument)
}

// ApplyBuy folds a purchase into the position. The first buy creates the
// holding; subsequent buys update the quantity-weighted average cost.
func (b *Book) ApplyBuy(tx store.Tx, userID, instrument string, qty int64, price decimal.Decimal) (*domain.Holding, error) {
	h, err := tx.Holdings().Get(userID, instrument)
	if err != nil {
		return nil, err
	}

	if h == nil {
		h, err = domain.NewHolding(userID, instrument, qty, price)
		if err != nil {
			return nil, err
		}
	} else if err := h.AddBuy(qty, price); err != nil {
		return nil, err
	}

	if err := tx.Holdings().Upsert(h); err != nil {
		return nil, err
	}
	b.audit.Record("holding_buy", h)
	return h, nil
}

// ApplySell reduces the position and returns the realized gain/loss against
// average cost. Fails with domain.ErrInsufficientShares when qty exceeds the
// owned quantity; deletes the holding when the remaining quantity is zero.
func (b *Book) ApplySell(tx store.Tx, userID, instrument string, qty int64, price decimal.Decimal) (decimal.Decimal, error) {
	h, err := tx.Holdings().Get(userID, instrument)
	if err != nil {
		return decimal.Zero, err
	}
	if h == nil {
		return decimal.Zero, errors.Wrapf(domain.ErrInsufficientShares,
			"no holding of %s for user %s", instrument, userID)
	}

	realized, err := h.ReduceSell(qty, price)
	if err != nil {
		return decimal.Zero, err
	}

	if h.Quantity == 0 {
		if err := tx.Holdings().Delete(userID, instrument); err != nil {
			return decimal.Zero, err
		}
	} else if err := tx.Holdings().Upsert(h); err != nil {
		return decimal.Zero, err
	}

	b.audit.Record("holding_sell", h)
	return realized, nil
}

// HoldersOf lists every holding of the instrument, for the dividend fan-out.
func (b *Book) HoldersOf(tx store.Tx, instrument string) ([]*domain.Holding, error) {
	return tx.Holdings().ListByInstrument(instrument)
}

// Portfolio lists a user's holdings. Read-only view consumed by the
// reporting layer; takes no locks.
func (b *Book) Portfolio(ctx context.Context, st store.Store, userID string) ([]*domain.Holding, error) {
	var out []*domain.Holding
	err := st.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Holdings().ListByUser(userID)
		return err
	})
	return out, err
}
