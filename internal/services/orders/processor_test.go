package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/papertrade/settlement/internal/domain"
	"github.com/papertrade/settlement/internal/locker"
	"github.com/papertrade/settlement/internal/services/holdings"
	"github.com/papertrade/settlement/internal/services/pricer"
	"github.com/papertrade/settlement/internal/services/wallet"
	"github.com/papertrade/settlement/internal/store"
)

type fixture struct {
	store     *store.Memory
	locks     *locker.Locker
	ledger    *wallet.Ledger
	book      *holdings.Book
	quotes    *pricer.Static
	processor *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		locks:  locker.New(time.Second),
		ledger: wallet.NewLedger(zap.NewNop(), nil),
		book:   holdings.NewBook(zap.NewNop(), nil),
		quotes: pricer.NewStatic(map[string]decimal.Decimal{
			"AAPL": decimal.NewFromFloat(175.43),
			"MSFT": decimal.NewFromInt(300),
		}),
	}
	f.processor = NewProcessor(f.store, f.locks, f.ledger, f.book, f.quotes, nil, nil, zap.NewNop())
	return f
}

func (f *fixture) fund(t *testing.T, userID string, amount decimal.Decimal) {
	t.Helper()
	err := f.store.WithinTx(context.Background(), func(tx store.Tx) error {
		_, err := f.ledger.Create(tx, userID, amount, "USD")
		return err
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	var out decimal.Decimal
	err := f.store.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = f.ledger.Balance(tx, userID)
		return err
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) holding(t *testing.T, userID, instrument string) *domain.Holding {
	t.Helper()
	var out *domain.Holding
	err := f.store.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = f.book.Get(tx, userID, instrument)
		return err
	})
	require.NoError(t, err)
	return out
}

func (f *fixture) entries(t *testing.T, userID string) []*domain.LedgerEntry {
	t.Helper()
	var out []*domain.LedgerEntry
	err := f.store.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		out, err = tx.Ledger().ListByUser(userID)
		return err
	})
	require.NoError(t, err)
	return out
}

func TestProcessor_Buy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	o, err := f.processor.Submit(ctx, "u1", "AAPL", domain.SideBuy, 10)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, o.Status)
	assert.True(t, o.Price.Equal(decimal.NewFromFloat(175.43)))
	assert.True(t, o.Commission.Equal(decimal.NewFromFloat(1.75)), "commission %s", o.Commission)
	assert.True(t, o.Total.Equal(decimal.NewFromFloat(1756.05)), "total %s", o.Total)
	require.NotNil(t, o.ExecutedAt)
	assert.Nil(t, o.RealizedPnL)

	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromFloat(98243.95)),
		"balance %s", f.balance(t, "u1"))

	h := f.holding(t, "u1", "AAPL")
	require.NotNil(t, h)
	assert.Equal(t, int64(10), h.Quantity)
	assert.True(t, h.AvgCost.Equal(decimal.NewFromFloat(175.43)))

	// one BUY entry for the notional, one FEE entry for the commission
	entries := f.entries(t, "u1")
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryBuy, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(decimal.NewFromFloat(-1754.30)))
	assert.Equal(t, o.ID, entries[0].OrderID)
	assert.Equal(t, domain.EntryFee, entries[1].Type)
	assert.True(t, entries[1].Amount.Equal(decimal.NewFromFloat(-1.75)))
}

func TestProcessor_SellRealizesGain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	_, err := f.processor.Submit(ctx, "u1", "AAPL", domain.SideBuy, 10)
	require.NoError(t, err)

	f.quotes.SetQuote("AAPL", decimal.NewFromInt(190))
	o, err := f.processor.Submit(ctx, "u1", "AAPL", domain.SideSell, 5)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCompleted, o.Status)
	assert.True(t, o.Commission.Equal(decimal.NewFromFloat(0.95)))
	assert.True(t, o.Total.Equal(decimal.NewFromFloat(949.05)), "net %s", o.Total)
	require.NotNil(t, o.RealizedPnL)
	assert.True(t, o.RealizedPnL.Equal(decimal.NewFromFloat(72.85)), "realized %s", o.RealizedPnL)

	// 98243.95 + 949.05
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromFloat(99193.00)),
		"balance %s", f.balance(t, "u1"))

	h := f.holding(t, "u1", "AAPL")
	require.NotNil(t, h)
	assert.Equal(t, int64(5), h.Quantity)
	assert.True(t, h.AvgCost.Equal(decimal.NewFromFloat(175.43)), "avg cost must not change on sell")
}

func TestProcessor_BuyInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(1000))

	o, err := f.processor.Submit(ctx, "u1", "AAPL", domain.SideBuy, 10)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, o.Status)
	assert.Equal(t, domain.ReasonInsufficientFunds, o.FailureReason)

	// no mutation at all
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(1000)))
	assert.Nil(t, f.holding(t, "u1", "AAPL"))
	assert.Empty(t, f.entries(t, "u1"))
}

func TestProcessor_SellInsufficientShares(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	_, err := f.processor.Submit(ctx, "u1", "AAPL", domain.SideBuy, 5)
	require.NoError(t, err)
	balanceAfterBuy := f.balance(t, "u1")

	o, err := f.processor.Submit(ctx, "u1", "AAPL", domain.SideSell, 20)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, o.Status)
	assert.Equal(t, domain.ReasonInsufficientShares, o.FailureReason)

	// holding and balance unchanged
	h := f.holding(t, "u1", "AAPL")
	require.NotNil(t, h)
	assert.Equal(t, int64(5), h.Quantity)
	assert.True(t, f.balance(t, "u1").Equal(balanceAfterBuy))
}

// failingPricer always reports the given error.
type failingPricer struct {
	err   error
	calls int
	mu    sync.Mutex
}

func (p *failingPricer) GetQuote(ctx context.Context, instrument string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return decimal.Zero, p.err
}

func TestProcessor_QuoteRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	flaky := &failingPricer{err: pricer.ErrRateLimited}
	p := NewProcessor(f.store, f.locks, f.ledger, f.book, flaky, nil, nil, zap.NewNop())

	o, err := p.Submit(ctx, "u1", "AAPL", domain.SideBuy, 1)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, o.Status)
	assert.Equal(t, domain.ReasonQuoteUnavailable, o.FailureReason)
	assert.GreaterOrEqual(t, flaky.calls, 2, "quote fetch must be retried")
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(100000)))
}

func TestProcessor_UnknownInstrument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	o, err := f.processor.Submit(ctx, "u1", "TSLA", domain.SideBuy, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, o.Status)
	assert.Equal(t, domain.ReasonQuoteUnavailable, o.FailureReason)
}

func TestProcessor_ValidationRejectedBeforePersisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.processor.Place(ctx, "u1", "AAPL", domain.SideBuy, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = f.processor.Place(ctx, "u1", "", domain.SideBuy, 1)
	assert.ErrorIs(t, err, domain.ErrUnknownInstrument)
}

func TestProcessor_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	o, err := f.processor.Place(ctx, "u1", "AAPL", domain.SideBuy, 1)
	require.NoError(t, err)
	require.NoError(t, f.processor.Cancel(ctx, o.ID))

	// terminal, cannot execute
	_, err = f.processor.Execute(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotPending)

	// cannot cancel twice
	assert.ErrorIs(t, f.processor.Cancel(ctx, o.ID), domain.ErrOrderNotPending)
}

func TestProcessor_CancelCompletedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	o, err := f.processor.Submit(ctx, "u1", "AAPL", domain.SideBuy, 1)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, o.Status)

	assert.ErrorIs(t, f.processor.Cancel(ctx, o.ID), domain.ErrOrderNotPending)
}

func TestProcessor_ExecuteAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	o, err := f.processor.Submit(ctx, "u1", "AAPL", domain.SideBuy, 1)
	require.NoError(t, err)

	_, err = f.processor.Execute(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotPending)
}

// gatedPricer signals when a quote is requested and blocks until released.
type gatedPricer struct {
	price   decimal.Decimal
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPricer) GetQuote(ctx context.Context, instrument string) (decimal.Decimal, error) {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	select {
	case <-p.release:
		return p.price, nil
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
}

func TestProcessor_CancelCommittedDuringExecutionWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	gate := &gatedPricer{
		price:   decimal.NewFromFloat(175.43),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	p := NewProcessor(f.store, f.locks, f.ledger, f.book, gate, nil, nil, zap.NewNop())

	o, err := p.Place(ctx, "u1", "AAPL", domain.SideBuy, 10)
	require.NoError(t, err)

	type result struct {
		order *domain.Order
		err   error
	}
	done := make(chan result, 1)
	go func() {
		got, execErr := p.Execute(ctx, o.ID)
		done <- result{got, execErr}
	}()

	<-gate.entered

	// a cancellation that passed the in-flight check commits while
	// execution waits on the quote
	err = f.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.Orders().Get(o.ID)
		if err != nil {
			return err
		}
		if err := current.Cancel(); err != nil {
			return err
		}
		return tx.Orders().Update(current)
	})
	require.NoError(t, err)
	close(gate.release)

	res := <-done
	assert.ErrorIs(t, res.err, domain.ErrOrderNotPending)

	// the stored order stays cancelled and no money moved
	err = f.store.WithinTx(ctx, func(tx store.Tx) error {
		stored, err := tx.Orders().Get(o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCancelled, stored.Status)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(100000)))
	assert.Nil(t, f.holding(t, "u1", "AAPL"))
	assert.Empty(t, f.entries(t, "u1"))
}

func TestProcessor_LockTimeoutFailsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	locks := locker.New(50 * time.Millisecond)
	p := NewProcessor(f.store, locks, f.ledger, f.book, f.quotes, nil, nil, zap.NewNop())

	// hold the wallet row so execution cannot lock it
	release, err := locks.Acquire(ctx, locker.WalletKey("u1"))
	require.NoError(t, err)
	defer release()

	o, err := p.Submit(ctx, "u1", "AAPL", domain.SideBuy, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, o.Status)
	assert.Equal(t, domain.ReasonLockTimeout, o.FailureReason)
	assert.True(t, f.balance(t, "u1").Equal(decimal.NewFromInt(100000)))
}

func TestProcessor_Outcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	o, err := f.processor.Submit(ctx, "u1", "AAPL", domain.SideBuy, 1)
	require.NoError(t, err)
	completed, ok := o.Outcome().(domain.Completed)
	require.True(t, ok)
	assert.Equal(t, o.ID, completed.Order.ID)

	o, err = f.processor.Submit(ctx, "u1", "AAPL", domain.SideSell, 500)
	require.NoError(t, err)
	failed, ok := o.Outcome().(domain.Failed)
	require.True(t, ok)
	assert.Equal(t, domain.ReasonInsufficientShares, failed.Reason)
}

func TestProcessor_ConcurrentOrdersKeepInvariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		f.fund(t, u, decimal.NewFromInt(10000))
	}

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(user string, i int) {
				defer wg.Done()
				side := domain.SideBuy
				if i%3 == 2 {
					side = domain.SideSell
				}
				_, err := f.processor.Submit(ctx, user, "AAPL", side, 3)
				assert.NoError(t, err)
			}(u, i)
		}
	}
	wg.Wait()

	for _, u := range users {
		balance := f.balance(t, u)
		assert.False(t, balance.IsNegative(), "user %s balance %s", u, balance)

		if h := f.holding(t, u, "AAPL"); h != nil {
			assert.Greater(t, h.Quantity, int64(0))
		}

		// ledger replays to the stored balance
		err := f.store.WithinTx(ctx, func(tx store.Tx) error {
			replayed, ok, err := f.ledger.Reconcile(tx, u)
			require.NoError(t, err)
			assert.True(t, ok, "user %s: replayed %s, stored %s", u, replayed, balance)
			return nil
		})
		require.NoError(t, err)
	}
}

func TestProcessor_SystemErrorRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(100000))

	// order for a user whose wallet vanishes mid-flight is a storage-level
	// failure: the atomic unit must roll back and the order must fail
	// with the generic reason
	o, err := f.processor.Place(ctx, "ghost", "AAPL", domain.SideBuy, 1)
	require.NoError(t, err)

	executed, err := f.processor.Execute(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, executed.Status)
	assert.Equal(t, domain.ReasonSystemError, executed.FailureReason)
}

func TestProcessor_ResubmitCreatesNewOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", decimal.NewFromInt(1000))

	first, err := f.processor.Submit(ctx, "u1", "AAPL", domain.SideBuy, 10)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, first.Status)

	second, err := f.processor.Submit(ctx, "u1", "AAPL", domain.SideBuy, 1)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, domain.StatusCompleted, second.Status)
}

func TestProcessor_ErrBusinessClassification(t *testing.T) {
	assert.True(t, domain.IsBusinessError(errors.Wrap(domain.ErrInsufficientFunds, "x")))
	assert.True(t, domain.IsBusinessError(domain.ErrLockTimeout))
	assert.False(t, domain.IsBusinessError(errors.New("disk on fire")))
}
