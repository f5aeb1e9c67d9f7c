// Package orders implements the order processor: validation, atomic
// execution of buys and sells against the wallet and the holdings book, and
// the PENDING -> COMPLETED | FAILED | CANCELLED state machine.
package orders

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/papertrade/settlement/internal/audit"
	"github.com/papertrade/settlement/internal/domain"
	"github.com/papertrade/settlement/internal/locker"
	"github.com/papertrade/settlement/internal/notify"
	"github.com/papertrade/settlement/internal/services/holdings"
	"github.com/papertrade/settlement/internal/services/pricer"
	"github.com/papertrade/settlement/internal/services/wallet"
	"github.com/papertrade/settlement/internal/store"
	"github.com/papertrade/settlement/pkg/retrier"
)

const defaultQuoteTimeout = 3 * time.Second

// Processor validates and executes orders. An order is executed at most
// once; re-submitting a failed request creates a new order.
type Processor struct {
	store    store.Store
	locks    *locker.Locker
	wallet   *wallet.Ledger
	book     *holdings.Book
	pricer   pricer.Pricer
	retry    *retrier.Retrier
	notifier notify.Notifier
	audit    audit.Recorder
	logger   *zap.Logger

	quoteTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewProcessor wires the order processor.
func NewProcessor(st store.Store, locks *locker.Locker, wl *wallet.Ledger, book *holdings.Book,
	quotes pricer.Pricer, notifier notify.Notifier, recorder audit.Recorder, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Processor{
		store:        st,
		locks:        locks,
		wallet:       wl,
		book:         book,
		pricer:       quotes,
		retry:        retrier.New(retrier.WithAttempts(3), retrier.WithBaseDelay(100*time.Millisecond)),
		notifier:     notifier,
		audit:        recorder,
		logger:       logger,
		quoteTimeout: defaultQuoteTimeout,
		inflight:     make(map[string]struct{}),
	}
}

// Place validates the request and persists a PENDING order. No locks are
// taken; validation failures surface directly to the caller.
func (p *Processor) Place(ctx context.Context, userID, instrument string, side domain.OrderSide, qty int64) (*domain.Order, error) {
	o, err := domain.NewOrder(userID, instrument, side, qty)
	if err != nil {
		return nil, err
	}
	if err := p.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.Orders().Create(o)
	}); err != nil {
		return nil, err
	}
	p.audit.Record("order_placed", o)
	return o, nil
}

// Submit places and immediately executes an order, returning it in a
// terminal state.
func (p *Processor) Submit(ctx context.Context, userID, instrument string, side domain.OrderSide, qty int64) (*domain.Order, error) {
	o, err := p.Place(ctx, userID, instrument, side, qty)
	if err != nil {
		return nil, err
	}
	return p.Execute(ctx, o.ID)
}

// Cancel withdraws a PENDING order before execution has begun. Orders whose
// execution has started cannot be cancelled.
func (p *Processor) Cancel(ctx context.Context, orderID string) error {
	p.mu.Lock()
	if _, executing := p.inflight[orderID]; executing {
		p.mu.Unlock()
		return errors.Wrapf(domain.ErrOrderInFlight, "order %s", orderID)
	}
	p.mu.Unlock()

	err := p.store.WithinTx(ctx, func(tx store.Tx) error {
		o, err := tx.Orders().Get(orderID)
		if err != nil {
			return err
		}
		if err := o.Cancel(); err != nil {
			return err
		}
		return tx.Orders().Update(o)
	})
	if err != nil {
		return err
	}
	p.audit.Record("order_cancelled", orderID)
	p.logger.Info("order cancelled", zap.String("order_id", orderID))
	return nil
}

// Execute runs a PENDING order to a terminal state. Business failures
// (insufficient funds or shares, exhausted quote retries, lock timeout)
// produce a FAILED order and a nil error; the error return is reserved for
// failures of the submission machinery itself.
func (p *Processor) Execute(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := p.markInFlight(orderID); err != nil {
		return nil, err
	}
	defer p.clearInFlight(orderID)

	var o *domain.Order
	if err := p.store.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.Orders().Get(orderID)
		return err
	}); err != nil {
		return nil, err
	}
	if o.Status != domain.StatusPending {
		return nil, errors.Wrapf(domain.ErrOrderNotPending, "order %s is %s", o.ID, o.Status)
	}

	price, err := p.fetchQuote(ctx, o.Instrument)
	if err != nil {
		p.logger.Warn("quote fetch exhausted",
			zap.String("order_id", o.ID),
			zap.String("instrument", o.Instrument),
			zap.Error(err))
		return p.fail(ctx, o, domain.ReasonQuoteUnavailable)
	}

	release, err := p.acquireRowLocks(ctx, o)
	if err != nil {
		if errors.Is(err, domain.ErrLockTimeout) {
			return p.fail(ctx, o, domain.ReasonLockTimeout)
		}
		return nil, err
	}
	defer release()

	// the order is re-read inside the transaction: a cancellation that
	// committed after the pre-flight read must win, so execution aborts
	// unless the stored row is still PENDING
	var executed *domain.Order
	execErr := p.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.Orders().Get(o.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.StatusPending {
			return errors.Wrapf(domain.ErrOrderNotPending, "order %s is %s", current.ID, current.Status)
		}
		switch current.Side {
		case domain.SideBuy:
			err = p.executeBuy(tx, current, price)
		case domain.SideSell:
			err = p.executeSell(tx, current, price)
		default:
			err = errors.Errorf("unknown order side %q", current.Side)
		}
		if err != nil {
			return err
		}
		executed = current
		return nil
	})
	if execErr != nil {
		if errors.Is(execErr, domain.ErrOrderNotPending) {
			return nil, execErr
		}
		return p.failFrom(ctx, o, execErr)
	}
	o = executed

	p.audit.Record("order_completed", o)
	p.notifier.OrderCompleted(o)
	p.logger.Info("order completed",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.String("instrument", o.Instrument),
		zap.String("side", string(o.Side)),
		zap.Int64("quantity", o.Quantity),
		zap.String("price", o.Price.String()),
		zap.String("total", o.Total.String()))
	return o, nil
}

// executeBuy performs the atomic buy: debit wallet for notional plus
// commission, fold the purchase into the holding, and finalize the order.
func (p *Processor) executeBuy(tx store.Tx, o *domain.Order, price decimal.Decimal) error {
	notional := domain.RoundCents(price.Mul(decimal.NewFromInt(o.Quantity)))
	commission := domain.Commission(notional)
	total := notional.Add(commission)

	balance, err := p.wallet.Balance(tx, o.UserID)
	if err != nil {
		return err
	}
	if total.GreaterThan(balance) {
		return errors.Wrapf(domain.ErrInsufficientFunds,
			"balance %s, order total %s", balance, total)
	}

	ref := wallet.EntryRef{OrderID: o.ID, Instrument: o.Instrument}
	if _, err := p.wallet.Debit(tx, o.UserID, notional, domain.EntryBuy, ref,
		"Buy "+o.Instrument); err != nil {
		return err
	}
	if _, err := p.wallet.Debit(tx, o.UserID, commission, domain.EntryFee, ref,
		"Commission on buy "+o.Instrument); err != nil {
		return err
	}
	if _, err := p.book.ApplyBuy(tx, o.UserID, o.Instrument, o.Quantity, price); err != nil {
		return err
	}

	if err := o.Complete(price, commission, total, nil); err != nil {
		return err
	}
	return tx.Orders().Update(o)
}

// executeSell performs the atomic sell: reduce the holding (capturing
// realized gain/loss), credit the net proceeds, and finalize the order.
func (p *Processor) executeSell(tx store.Tx, o *domain.Order, price decimal.Decimal) error {
	proceeds := domain.RoundCents(price.Mul(decimal.NewFromInt(o.Quantity)))
	commission := domain.Commission(proceeds)
	total := proceeds.Sub(commission)

	realized, err := p.book.ApplySell(tx, o.UserID, o.Instrument, o.Quantity, price)
	if err != nil {
		return err
	}

	ref := wallet.EntryRef{OrderID: o.ID, Instrument: o.Instrument}
	if _, err := p.wallet.Credit(tx, o.UserID, proceeds, domain.EntrySell, ref,
		"Sell "+o.Instrument); err != nil {
		return err
	}
	if _, err := p.wallet.Debit(tx, o.UserID, commission, domain.EntryFee, ref,
		"Commission on sell "+o.Instrument); err != nil {
		return err
	}

	if err := o.Complete(price, commission, total, &realized); err != nil {
		return err
	}
	return tx.Orders().Update(o)
}

// fetchQuote asks the price source with bounded retries and an overall
// timeout, so order processing never hangs on the external dependency.
func (p *Processor) fetchQuote(ctx context.Context, instrument string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, p.quoteTimeout)
	defer cancel()

	price, err := retrier.Value(ctx, p.retry, func(ctx context.Context) (decimal.Decimal, error) {
		return p.pricer.GetQuote(ctx, instrument)
	})
	if err != nil {
		return decimal.Zero, errors.Wrap(domain.ErrQuoteUnavailable, err.Error())
	}
	return price, nil
}

// acquireRowLocks takes the wallet and holding locks in canonical order,
// retrying once on timeout before giving up.
func (p *Processor) acquireRowLocks(ctx context.Context, o *domain.Order) (func(), error) {
	keys := locker.Keys(o.UserID, o.Instrument)
	release, err := p.locks.Acquire(ctx, keys...)
	if errors.Is(err, domain.ErrLockTimeout) {
		release, err = p.locks.Acquire(ctx, keys...)
	}
	return release, err
}

// failFrom maps an execution error onto the failure reason and finalizes
// the order. Unexpected errors are logged and reported generically.
func (p *Processor) failFrom(ctx context.Context, o *domain.Order, execErr error) (*domain.Order, error) {
	reason := domain.ReasonSystemError
	switch {
	case errors.Is(execErr, domain.ErrInsufficientFunds):
		reason = domain.ReasonInsufficientFunds
	case errors.Is(execErr, domain.ErrInsufficientShares):
		reason = domain.ReasonInsufficientShares
	case errors.Is(execErr, domain.ErrLockTimeout):
		reason = domain.ReasonLockTimeout
	default:
		p.logger.Error("order execution failed",
			zap.String("order_id", o.ID),
			zap.String("user_id", o.UserID),
			zap.Error(execErr))
	}
	return p.fail(ctx, o, reason)
}

// fail transitions the order to FAILED in its own transaction. The execution
// transaction has already rolled back, so only the order row changes. The row
// is re-read so a concurrently committed terminal state is never overwritten.
func (p *Processor) fail(ctx context.Context, o *domain.Order, reason string) (*domain.Order, error) {
	var failed *domain.Order
	if err := p.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.Orders().Get(o.ID)
		if err != nil {
			return err
		}
		if err := current.Fail(reason); err != nil {
			return err
		}
		failed = current
		return tx.Orders().Update(current)
	}); err != nil {
		return nil, err
	}
	o = failed
	p.audit.Record("order_failed", o)
	p.logger.Info("order failed",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.String("reason", reason))
	return o, nil
}

func (p *Processor) markInFlight(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[orderID]; ok {
		return errors.Wrapf(domain.ErrOrderInFlight, "order %s", orderID)
	}
	p.inflight[orderID] = struct{}{}
	return nil
}

func (p *Processor) clearInFlight(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, orderID)
}
