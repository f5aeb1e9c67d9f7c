// Package dividends implements the dividend distributor: a sweep that pays
// every holder of an instrument when a dividend event's payment date
// arrives. Each holder is paid in its own atomic unit; one holder's failure
// never aborts the batch, and the (event, holder) pair is paid at most once.
package dividends

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papertrade/settlement/internal/audit"
	"github.com/papertrade/settlement/internal/domain"
	"github.com/papertrade/settlement/internal/locker"
	"github.com/papertrade/settlement/internal/notify"
	"github.com/papertrade/settlement/internal/services/holdings"
	"github.com/papertrade/settlement/internal/services/wallet"
	"github.com/papertrade/settlement/internal/store"
)

var (
	errAlreadyPaid = errors.New("holder already paid")
	errNotHolder   = errors.New("holder no longer holds the instrument")
)

// SweepSummary aggregates the outcome of one sweep.
type SweepSummary struct {
	Events  int
	Paid    int
	Failed  int
	Skipped int
}

// Distributor pays due dividend events across all holders.
type Distributor struct {
	store    store.Store
	locks    *locker.Locker
	wallet   *wallet.Ledger
	book     *holdings.Book
	notifier notify.Notifier
	audit    audit.Recorder
	logger   *zap.Logger
}

// NewDistributor wires the dividend distributor.
func NewDistributor(st store.Store, locks *locker.Locker, wl *wallet.Ledger, book *holdings.Book,
	notifier notify.Notifier, recorder audit.Recorder, logger *zap.Logger) *Distributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Distributor{
		store:    st,
		locks:    locks,
		wallet:   wl,
		book:     book,
		notifier: notifier,
		audit:    recorder,
		logger:   logger,
	}
}

// Schedule records a dividend event for later distribution.
func (d *Distributor) Schedule(ctx context.Context, instrument string, perUnit decimal.Decimal, exDate, recordDate, payDate time.Time) (*domain.DividendEvent, error) {
	if perUnit.LessThanOrEqual(decimal.Zero) {
		return nil, errors.Wrapf(domain.ErrInvalidQuantity, "per-unit amount %s", perUnit)
	}
	ev := domain.NewDividendEvent(instrument, perUnit, exDate, recordDate, payDate)
	if err := d.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.Dividends().CreateEvent(ev)
	}); err != nil {
		return nil, err
	}
	d.audit.Record("dividend_scheduled", ev)
	return ev, nil
}

// Sweep processes every due event. Per-holder failures are logged, counted
// and skipped; the sweep always completes. An event is marked distributed
// only when every holder was paid, so a later sweep re-attempts the rest.
func (d *Distributor) Sweep(ctx context.Context, now time.Time) (*SweepSummary, error) {
	var due []*domain.DividendEvent
	if err := d.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		due, err = tx.Dividends().DueEvents(now)
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "list due events")
	}

	summary := &SweepSummary{Events: len(due)}
	for _, ev := range due {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		d.distributeEvent(ctx, ev, summary)
	}

	d.logger.Info("dividend sweep finished",
		zap.Int("events", summary.Events),
		zap.Int("paid", summary.Paid),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

func (d *Distributor) distributeEvent(ctx context.Context, ev *domain.DividendEvent, summary *SweepSummary) {
	var holders []*domain.Holding
	if err := d.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		holders, err = d.book.HoldersOf(tx, ev.Instrument)
		return err
	}); err != nil {
		d.logger.Error("list holders",
			zap.String("event_id", ev.ID),
			zap.String("instrument", ev.Instrument),
			zap.Error(err))
		summary.Failed++
		return
	}

	failed := 0
	for _, h := range holders {
		switch err := d.payHolder(ctx, ev, h); {
		case err == nil:
			summary.Paid++
		case errors.Is(err, errAlreadyPaid), errors.Is(err, errNotHolder):
			summary.Skipped++
		default:
			failed++
			summary.Failed++
			d.logger.Error("dividend payment failed",
				zap.String("event_id", ev.ID),
				zap.String("user_id", h.UserID),
				zap.String("instrument", ev.Instrument),
				zap.Int64("units", h.Quantity),
				zap.Error(err))
		}
	}

	if failed > 0 {
		return // leave undistributed so the next sweep retries the unpaid
	}
	if err := d.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.Dividends().MarkDistributed(ev.ID)
	}); err != nil {
		d.logger.Error("mark event distributed",
			zap.String("event_id", ev.ID), zap.Error(err))
	}
}

// payHolder credits one holder in its own atomic unit: wallet credit,
// DIVIDEND ledger entry, payment record. The payment-exists check and the
// holding re-read run inside the transaction, so the payout is idempotent
// per (event, holder) and pays the quantity actually held at payment time,
// not the snapshot taken when holders were enumerated.
func (d *Distributor) payHolder(ctx context.Context, ev *domain.DividendEvent, h *domain.Holding) error {
	release, err := d.locks.Acquire(ctx, locker.Keys(h.UserID, ev.Instrument)...)
	if err != nil {
		return err
	}
	defer release()

	var payment *domain.DividendPayment
	err = d.store.WithinTx(ctx, func(tx store.Tx) error {
		paid, err := tx.Dividends().PaymentExists(ev.ID, h.UserID)
		if err != nil {
			return err
		}
		if paid {
			return errAlreadyPaid
		}

		current, err := tx.Holdings().Get(h.UserID, ev.Instrument)
		if err != nil {
			return err
		}
		if current == nil {
			return errors.Wrapf(errNotHolder, "user %s, instrument %s", h.UserID, ev.Instrument)
		}
		amount := domain.RoundCents(ev.PerUnit.Mul(decimal.NewFromInt(current.Quantity)))

		entry, err := d.wallet.Credit(tx, h.UserID, amount, domain.EntryDividend,
			wallet.EntryRef{Instrument: ev.Instrument},
			"Dividend "+ev.Instrument)
		if err != nil {
			return err
		}

		payment = domain.NewDividendPayment(ev, h.UserID, current.Quantity, amount, entry.ID)
		return tx.Dividends().CreatePayment(payment)
	})
	if err != nil {
		return err
	}

	d.audit.Record("dividend_paid", payment)
	d.notifier.DividendPaid(payment)
	return nil
}
